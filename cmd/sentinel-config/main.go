package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/sentinel"
	"github.com/oarkflow/sentinel/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "install":
		handleInstall()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("sentinel-config - Policy configuration tool for sentinel")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sentinel-config convert <input> <output>  - Convert between formats")
	fmt.Println("  sentinel-config validate <file>           - Validate policy configuration")
	fmt.Println("  sentinel-config install <file>            - Dry-run install into a scratch registry")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: sentinel-config convert <input> <output>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, os.Args[3]); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: sentinel-config validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	sets, err := cfg.PolicySets()
	if err != nil {
		fmt.Printf("Invalid policy definitions: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Tenants: %d\n", len(cfg.Tenants))
	fmt.Printf("  Resource types: %d\n", len(sets))
	total := 0
	for _, set := range sets {
		total += len(set.Policies)
		fmt.Printf("    %-20s %d policies (checksum %s)\n", set.ResourceType, len(set.Policies), set.Checksum()[:12])
	}
	fmt.Printf("  Policies: %d\n", total)
}

// handleInstall runs the full install path against in-memory stores so a
// deployment pipeline can fail before touching production storage.
func handleInstall() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: sentinel-config install <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	sets, err := cfg.PolicySets()
	if err != nil {
		fmt.Printf("Invalid policy definitions: %v\n", err)
		os.Exit(1)
	}

	store := stores.NewMemoryPolicyStore()
	registry := sentinel.NewRegistry(store)
	installer := sentinel.NewInstaller(store, registry)
	if err := installer.EnsureAll(context.Background(), sets); err != nil {
		fmt.Printf("Install failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Installed %d resource types into scratch registry\n", len(sets))
}

func loadConfig(filename string) (*sentinel.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	loader := sentinel.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *sentinel.Config, filename string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
