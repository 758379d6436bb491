package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/remoteops/pdp"
	"github.com/remoteops/pdp/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "evaluate":
		handleEvaluate()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("pdp-config - Policy catalog tool for pdp")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pdp-config convert <input> <output>              - Convert between formats")
	fmt.Println("  pdp-config validate <file>                       - Validate a catalog")
	fmt.Println("  pdp-config stats <file>                          - Show catalog statistics")
	fmt.Println("  pdp-config evaluate <file> <user> <res> <action> - Decide a request against a catalog")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: pdp-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: pdp-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// a throwaway engine runs the same validation the real one would
	engine, err := newMemoryEngine()
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	failed := false
	for _, pc := range cfg.Policies {
		def := pdp.PolicyDefinition{
			Name:       pc.Name,
			Effect:     pc.Effect,
			Resources:  pc.Resources,
			Actions:    pc.Actions,
			Conditions: pc.Conditions,
			Priority:   pc.Priority,
		}
		if res := engine.ValidatePolicy(def); !res.IsValid {
			failed = true
			fmt.Printf("Policy %q:\n", pc.Name)
			for _, v := range res.Errors {
				fmt.Printf("  - %s\n", v)
			}
		}
	}
	if failed {
		os.Exit(1)
	}

	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		fmt.Printf("Configuration does not apply cleanly: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
	fmt.Printf("  Delegations: %d\n", len(cfg.Delegations))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: pdp-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Catalog Statistics")
	fmt.Println("==================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Policies:     %d\n", len(cfg.Policies))
	fmt.Printf("  Roles:        %d\n", len(cfg.Roles))
	fmt.Printf("  Memberships:  %d\n", len(cfg.Memberships))
	fmt.Printf("  Delegations:  %d\n", len(cfg.Delegations))
	fmt.Printf("  User grants:  %d\n", len(cfg.Assignments.UserPolicies)+len(cfg.Assignments.UserRoles))
	fmt.Printf("  Group grants: %d\n", len(cfg.Assignments.GroupPolicies)+len(cfg.Assignments.GroupRoles))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowCount := 0
		denyCount := 0
		conditioned := 0
		inherited := 0
		for _, p := range cfg.Policies {
			if p.Effect == pdp.EffectDeny {
				denyCount++
			} else {
				allowCount++
			}
			if len(p.Conditions) > 0 {
				conditioned++
			}
			if p.Parent != "" {
				inherited++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies:       %d\n", allowCount)
		fmt.Printf("  Deny policies:        %d\n", denyCount)
		fmt.Printf("  With conditions:      %d\n", conditioned)
		fmt.Printf("  With a parent policy: %d\n", inherited)
		fmt.Println()
	}

	fmt.Println("Engine Overrides:")
	if cfg.Engine.DefaultDenyAll != nil {
		fmt.Printf("  Default deny all:   %v\n", *cfg.Engine.DefaultDenyAll)
	}
	if cfg.Engine.PolicyInheritance != nil {
		fmt.Printf("  Policy inheritance: %v\n", *cfg.Engine.PolicyInheritance)
	}
	if cfg.Engine.DecisionCacheTTL > 0 {
		fmt.Printf("  Decision cache TTL: %dms\n", cfg.Engine.DecisionCacheTTL)
	}
	if cfg.Engine.PolicyCacheTTL > 0 {
		fmt.Printf("  Policy cache TTL:   %dms\n", cfg.Engine.PolicyCacheTTL)
	}
	if cfg.Engine.BulkWorkerCount > 0 {
		fmt.Printf("  Bulk worker count:  %d\n", cfg.Engine.BulkWorkerCount)
	}
}

func handleEvaluate() {
	if len(os.Args) < 6 {
		fmt.Println("Usage: pdp-config evaluate <file> <user> <resource> <action>")
		os.Exit(1)
	}

	filename := os.Args[2]
	userID := os.Args[3]
	resource := os.Args[4]
	action := os.Args[5]

	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, err := newMemoryEngine()
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	res, err := engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{
		UserID:   userID,
		Resource: resource,
		Action:   action,
	})
	if err != nil {
		fmt.Printf("Error evaluating request: %v\n", err)
		os.Exit(1)
	}

	verdict := "DENY"
	if res.IsAllowed {
		verdict = "ALLOW"
	}
	fmt.Printf("%s %s %s %s\n", verdict, userID, resource, action)
	fmt.Printf("  Reason: %s\n", res.Reason)
	if res.MatchedPolicyName != "" {
		fmt.Printf("  Matched policy: %s\n", res.MatchedPolicyName)
	}
	for _, tr := range res.Trace {
		if tr.Matched {
			fmt.Printf("  [match] %s (%s, priority %d)\n", tr.PolicyName, tr.Effect, tr.Priority)
		} else {
			fmt.Printf("  [skip]  %s: %s\n", tr.PolicyName, tr.FailureReason)
		}
	}
	if !res.IsAllowed {
		os.Exit(2)
	}
}

func newMemoryEngine() (*pdp.Engine, error) {
	return pdp.NewEngine(
		stores.NewMemoryPolicyStore(),
		stores.NewMemoryRoleStore(),
		stores.NewMemoryAssignmentStore(),
		stores.NewMemoryGroupMembershipStore(),
		stores.NewMemoryDelegationStore(),
	)
}

func loadConfig(filename string) (*pdp.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".yaml", ".yml":
		loader := pdp.NewConfigLoader()
		return loader.LoadYAML(data)
	case ".json":
		loader := pdp.NewConfigLoader()
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *pdp.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
