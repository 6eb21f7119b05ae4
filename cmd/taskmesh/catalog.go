package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rendis/taskmesh/pkg/schema"
)

// defaultCatalog is the built-in tool catalog, used when no tools.json is
// present in the taskmesh directory.
var defaultCatalog = []schema.ToolDescriptor{
	{Name: "status", Description: "Report orchestrator status", Core: true},
	{Name: "help", Description: "Describe available operations", Core: true},

	{Name: "read_file", Description: "Read a file", Group: "filesystem"},
	{Name: "write_file", Description: "Write a file", Group: "filesystem"},
	{Name: "list_dir", Description: "List directory contents", Group: "filesystem"},

	{Name: "git_diff", Description: "Show pending changes", Group: "vcs"},
	{Name: "git_commit", Description: "Commit staged changes", Group: "vcs"},
	{Name: "git_branch", Description: "Manage branches", Group: "vcs"},

	{Name: "grep", Description: "Search file contents", Group: "search"},
	{Name: "find_files", Description: "Find files by pattern", Group: "search"},

	{Name: "sql_query", Description: "Run a read-only SQL query", Group: "database"},
	{Name: "sql_migrate", Description: "Apply a schema migration", Group: "database"},

	{Name: "http_request", Description: "Perform an HTTP request", Group: "network"},
	{Name: "download", Description: "Download a remote resource", Group: "network"},

	{Name: "run_build", Description: "Run the project build", Group: "build"},
	{Name: "run_tests", Description: "Run the test suite", Group: "testing"},
	{Name: "run_lint", Description: "Run static analysis", Group: "testing"},

	{Name: "deploy_service", Description: "Deploy a service", Group: "deployment"},
	{Name: "rollback_deploy", Description: "Roll back a deployment", Group: "deployment"},
	{Name: "provision_infra", Description: "Provision infrastructure", Group: "infrastructure"},

	{Name: "tail_logs", Description: "Tail service logs", Group: "observability"},
	{Name: "query_metrics", Description: "Query service metrics", Group: "observability"},

	{Name: "read_config", Description: "Read configuration values", Group: "configuration"},
	{Name: "write_config", Description: "Update configuration values", Group: "configuration"},
}

func catalogPath() string {
	return filepath.Join(taskmeshDir(), "tools.json")
}

// loadCatalog reads the tool catalog from tools.json, falling back to the
// built-in default when the file is absent or malformed.
func loadCatalog() []schema.ToolDescriptor {
	data, err := os.ReadFile(catalogPath())
	if err != nil {
		return defaultCatalog
	}
	var catalog []schema.ToolDescriptor
	if err := json.Unmarshal(data, &catalog); err != nil || len(catalog) == 0 {
		return defaultCatalog
	}
	return catalog
}
