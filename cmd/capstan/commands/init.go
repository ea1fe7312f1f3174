package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/capstan-io/capstan/pkg/stores"
)

const configTemplate = `# Capstan configuration

data_dir: %s

database:
  path: %s

cache:
  resource_ttl: 5m
  list_ttl: 2m

capabilities_dir: %s
error_patterns: %s

# policies:
#   - ./policies

runner:
  type: local
  # type: ssh
  # ssh:
  #   host: jump.example.com
  #   user: ops
  #   private_key_path: %s

provider:
  query: az resource show --resource-type {{type}} -n {{name}} -g {{group}} -o json

healing:
  enabled: true
  max_attempts: 3
  retry_delay: 2s
  script_timeout: 5s

execution:
  default_step_timeout: 30m
  rollback_failed_steps: false

telemetry:
  service_name: capstan
  logging:
    level: info
    format: console
    output: stderr
  tracing:
    enabled: false
  metrics:
    enabled: false
`

const patternsTemplate = `# Known failures and how to repair the command that hit them.
patterns:
  - name: subnet-in-use
    pattern: InUseSubnetCannotBeDeleted
    description: Subnet still has attached NICs or delegations.
    auto_fix: false
    fix_action: Detach the NICs or remove the delegation, then retry.

  - name: throttled
    pattern: "TooManyRequests|RetryableError"
    description: Provider throttled the request.
    auto_fix: true
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a Capstan workspace",
		Long: `Initialize a new Capstan workspace with configuration, state database,
an operation catalog directory and an SSH key for remote runners.

Existing files are kept unless --force is given.`,
		Example: `  # Initialize in the current directory
  capstan init

  # Initialize somewhere else
  capstan init /srv/capstan`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return initWorkspace(cmd.Context(), dir, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

func initWorkspace(ctx context.Context, dir string, force bool) error {
	cfg := DefaultConfig(dir)
	cfg.Database.Path = filepath.Join(cfg.DataDir, "capstan.db")
	keyPath := filepath.Join(cfg.DataDir, "keys", "default-ed25519")

	log.Info().Str("dir", dir).Msg("Initializing workspace")
	fmt.Printf("Initializing Capstan workspace in %s\n\n", dir)

	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "keys"),
		cfg.CapabilitiesDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
		fmt.Printf("✓ Created directory: %s\n", d)
	}

	store, err := stores.Open(ctx, stores.Config{Path: cfg.Database.Path, Actor: actor()})
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Database.Path)

	path := configPath
	if path == "" {
		path = filepath.Join(dir, DefaultConfigFile)
	}
	content := fmt.Sprintf(configTemplate, cfg.DataDir, cfg.Database.Path, cfg.CapabilitiesDir, cfg.ErrorPatterns, keyPath)
	if wrote, err := writeIfAbsent(path, []byte(content), 0644, force); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	} else if wrote {
		fmt.Printf("✓ Created config file: %s\n", path)
	} else {
		fmt.Printf("✓ Config file already exists: %s\n", path)
	}

	if wrote, err := writeIfAbsent(cfg.ErrorPatterns, []byte(patternsTemplate), 0644, false); err != nil {
		return fmt.Errorf("failed to write error patterns: %w", err)
	} else if wrote {
		fmt.Printf("✓ Created error-pattern catalog: %s\n", cfg.ErrorPatterns)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := generateKeypair(keyPath); err != nil {
			return err
		}
		fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
	} else {
		fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
	}

	fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Add operation files under %s\n", cfg.CapabilitiesDir)
	fmt.Printf("  2. Check them:\n")
	fmt.Printf("     capstan validate\n")
	fmt.Printf("  3. Preview an operation:\n")
	fmt.Printf("     capstan exec <capability> <operation> --dry-run --name value\n\n")
	return nil
}

func writeIfAbsent(path string, data []byte, perm os.FileMode, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return false, err
	}
	return true, nil
}

func generateKeypair(keyPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBytes), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
