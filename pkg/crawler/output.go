package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"bitcrawler/pkg/models"
	"bitcrawler/pkg/utils"
)

const (
	ResultsFilename = "results.jsonl"
	SummaryFilename = "summary.yaml"
)

// crawlSummary is the document written to summary.yaml
type crawlSummary struct {
	models.CrawlMetadata `yaml:",inline"`
	Pages                []models.PageSummary `yaml:"pages"`
}

// OutputManager writes one crawl's results under baseDir/<name>/.
// It is a ResultObserver: each observed page becomes a results.jsonl line and a summary.yaml entry.
type OutputManager struct {
	log       *logrus.Entry
	baseDir   string
	outputDir string

	jsonlFile     *os.File
	jsonlFileMu   sync.Mutex
	jsonlFilePath string

	pages   []models.PageSummary
	pagesMu sync.Mutex
}

// NewOutputManager creates an OutputManager without touching the filesystem. Call Open before the crawl.
func NewOutputManager(log *logrus.Entry, baseDir, name string) *OutputManager {
	outputDir := filepath.Join(baseDir, utils.SanitizePathComponent(name))
	return &OutputManager{
		log:           log.WithField("output_dir", outputDir),
		baseDir:       baseDir,
		outputDir:     outputDir,
		jsonlFilePath: filepath.Join(outputDir, ResultsFilename),
	}
}

// Dir returns the directory this manager writes to
func (om *OutputManager) Dir() string { return om.outputDir }

// Open replaces any previous output for this name and opens results.jsonl
func (om *OutputManager) Open() error {
	if err := om.cleanOutputDir(); err != nil {
		om.log.Errorf("Failed to clean output directory, attempting to continue: %v", err)
	}
	if err := os.MkdirAll(om.outputDir, 0755); err != nil {
		return fmt.Errorf("%w: creating output dir '%s': %w", utils.ErrFilesystem, om.outputDir, err)
	}

	file, err := os.OpenFile(om.jsonlFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening '%s': %w", utils.ErrFilesystem, om.jsonlFilePath, err)
	}
	om.jsonlFileMu.Lock()
	om.jsonlFile = file
	om.jsonlFileMu.Unlock()
	om.log.Debugf("Writing results to %s", om.jsonlFilePath)
	return nil
}

// ObservePage appends result to results.jsonl and keeps its summary for summary.yaml
func (om *OutputManager) ObservePage(result models.PageResult) {
	om.writeToJSONLFile(result)

	summary := Summarize([]models.PageResult{result})[0]
	om.pagesMu.Lock()
	om.pages = append(om.pages, summary)
	om.pagesMu.Unlock()
}

// PagesWritten returns the number of pages observed so far
func (om *OutputManager) PagesWritten() int {
	om.pagesMu.Lock()
	defer om.pagesMu.Unlock()
	return len(om.pages)
}

// Close syncs and closes results.jsonl, then writes summary.yaml from meta and the observed pages
func (om *OutputManager) Close(meta models.CrawlMetadata) error {
	om.closeJSONLFile()
	return om.writeSummaryYAML(meta)
}

// cleanOutputDir removes the output directory, refusing anything not strictly inside baseDir
func (om *OutputManager) cleanOutputDir() error {
	absBase, errBase := filepath.Abs(om.baseDir)
	if errBase != nil {
		return fmt.Errorf("safety check failed (resolving base path '%s'): %w", om.baseDir, errBase)
	}
	absOut, errOut := filepath.Abs(om.outputDir)
	if errOut != nil {
		return fmt.Errorf("safety check failed (resolving output path '%s'): %w", om.outputDir, errOut)
	}

	if absOut == absBase || !strings.HasPrefix(absOut, absBase+string(filepath.Separator)) {
		return fmt.Errorf("safety check failed: would not remove '%s' outside '%s'", absOut, absBase)
	}
	if err := os.RemoveAll(om.outputDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove output dir '%s': %w", om.outputDir, err)
	}
	return nil
}

func (om *OutputManager) writeToJSONLFile(result models.PageResult) {
	om.jsonlFileMu.Lock()
	defer om.jsonlFileMu.Unlock()

	if om.jsonlFile == nil {
		return
	}

	jsonBytes, err := json.Marshal(result)
	if err != nil {
		om.log.WithField("url", result.URL).Errorf("Failed to marshal result to JSON: %v", err)
		return
	}
	if _, err := om.jsonlFile.Write(append(jsonBytes, '\n')); err != nil {
		om.log.WithField("jsonl_file", om.jsonlFilePath).Errorf("Failed to write to JSONL file: %v", err)
	}
}

func (om *OutputManager) closeJSONLFile() {
	om.jsonlFileMu.Lock()
	defer om.jsonlFileMu.Unlock()

	if om.jsonlFile != nil {
		if err := om.jsonlFile.Sync(); err != nil {
			om.log.Errorf("Error syncing JSONL file '%s': %v", om.jsonlFilePath, err)
		}
		if err := om.jsonlFile.Close(); err != nil {
			om.log.Errorf("Error closing JSONL file '%s': %v", om.jsonlFilePath, err)
		}
		om.jsonlFile = nil
	}
}

func (om *OutputManager) writeSummaryYAML(meta models.CrawlMetadata) error {
	yamlFilePath := filepath.Join(om.outputDir, SummaryFilename)

	om.pagesMu.Lock()
	pages := make([]models.PageSummary, len(om.pages))
	copy(pages, om.pages)
	om.pagesMu.Unlock()

	yamlData, err := yaml.Marshal(&crawlSummary{CrawlMetadata: meta, Pages: pages})
	if err != nil {
		return fmt.Errorf("failed to marshal crawl summary to YAML: %w", err)
	}
	if err := os.WriteFile(yamlFilePath, yamlData, 0644); err != nil {
		return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, yamlFilePath, err)
	}

	om.log.Infof("Wrote crawl summary (%d pages) to %s", len(pages), yamlFilePath)
	return nil
}
