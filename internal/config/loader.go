package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	apperrors "devspin/internal/errors"
	"devspin/internal/project"
	"devspin/pkg/logging"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProjectFileName is the name of a project document inside its directory.
const ProjectFileName = "devspin.yaml"

// FindProject resolves a project reference to the path of its document.
// ref may be a file, a directory containing devspin.yaml, or a project name
// looked up under projectsDir and then the working directory.
func FindProject(ref, projectsDir string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("no project given")
	}

	var candidates []string
	if info, err := os.Stat(ref); err == nil {
		if !info.IsDir() {
			return filepath.Abs(ref)
		}
		candidates = append(candidates, filepath.Join(ref, ProjectFileName))
	}
	if projectsDir != "" {
		candidates = append(candidates, filepath.Join(projectsDir, ref, ProjectFileName))
	}
	if wd, err := osGetwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, ref, ProjectFileName))
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return filepath.Abs(c)
		}
	}
	return "", fmt.Errorf("project %q not found (looked in %v)", ref, candidates)
}

// LoadProject finds, parses and validates a project document.
func LoadProject(ref, projectsDir string) (*project.Project, error) {
	path, err := FindProject(ref, projectsDir)
	if err != nil {
		return nil, err
	}
	return LoadProjectFile(path)
}

// LoadProjectFile parses and validates the document at path. The project
// base directory is the directory of the file; a missing name defaults to
// that directory's name.
func LoadProjectFile(path string) (*project.Project, error) {
	p, err := parseProjectFile(path)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logging.Debug("Config", "Loaded project %s from %s (%d services)", p.Name, path, len(p.Services))
	return p, nil
}

func parseProjectFile(path string) (*project.Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open project file: %w", err)
	}
	defer f.Close()

	var p project.Project
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.ErrConfigInvalid(fmt.Sprintf("project file %s is empty", path), nil)
		}
		return nil, apperrors.ErrConfigInvalid(fmt.Sprintf("failed to parse %s", path), err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	p.BaseDir = filepath.Dir(abs)
	if p.Name == "" {
		p.Name = filepath.Base(p.BaseDir)
	}
	return &p, nil
}

// ApplyEnvFile fills the project environment with the variables of a dotenv
// file. Variables the document sets keep their document value. Relative
// paths resolve against the working directory.
func ApplyEnvFile(p *project.Project, path string) error {
	if path == "" {
		return nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return apperrors.ErrConfigInvalid(fmt.Sprintf("failed to read env file %s", path), err)
	}
	if p.Environment == nil {
		p.Environment = make(map[string]string, len(vars))
	}
	for k, v := range vars {
		if _, ok := p.Environment[k]; !ok {
			p.Environment[k] = v
		}
	}
	logging.Debug("Config", "Applied %d variables from %s to project %s", len(vars), path, p.Name)
	return nil
}
