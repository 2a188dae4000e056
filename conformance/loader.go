package conformance

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TestPath is the scenario directory, relative to this package
const TestPath = "testdata"

// LoadedSuite pairs a suite with the file it came from
type LoadedSuite struct {
	File  string
	Suite Suite
}

// LoadAllSuites loads every YAML scenario file under the scenario directory
func LoadAllSuites() ([]LoadedSuite, error) {
	var loaded []LoadedSuite

	err := filepath.Walk(TestPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || (filepath.Ext(path) != ".yaml" && filepath.Ext(path) != ".yml") {
			return nil
		}
		suite, err := loadSuiteFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rel, relErr := filepath.Rel(TestPath, path)
		if relErr != nil {
			rel = path
		}
		loaded = append(loaded, LoadedSuite{File: rel, Suite: suite})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		return nil, fmt.Errorf("no scenario files under %s", TestPath)
	}
	return loaded, nil
}

func loadSuiteFile(path string) (Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, err
	}
	var suite Suite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return Suite{}, fmt.Errorf("parse: %w", err)
	}
	if suite.Name == "" {
		return Suite{}, fmt.Errorf("suite has no name")
	}
	if len(suite.Scenarios) == 0 {
		return Suite{}, fmt.Errorf("suite %q has no scenarios", suite.Name)
	}
	return suite, nil
}
