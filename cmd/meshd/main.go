// Command meshd runs a single mesh node: it loads the node's identity
// and configuration, wires the Mesh Network Facade to a transport
// selected by --endpoint, and serves until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/silentmesh/core/config"
	sagecrypto "github.com/silentmesh/core/crypto"
	cryptostorage "github.com/silentmesh/core/crypto/storage"
	"github.com/silentmesh/core/identity"
	"github.com/silentmesh/core/internal/logger"
	"github.com/silentmesh/core/mesh"
	"github.com/silentmesh/core/pkg/storage/memory"
	"github.com/silentmesh/core/pkg/version"
	"github.com/silentmesh/core/signaling"
	"github.com/silentmesh/core/transport"
)

var (
	configPath   string
	identityPath string
	endpoint     string
	envFile      string
)

var rootCmd = &cobra.Command{
	Use:     "meshd",
	Short:   "Run a mesh node",
	Version: version.Short(),
	RunE:    run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML/JSON node config file")
	rootCmd.Flags().StringVarP(&identityPath, "identity", "i", "identity.jwt", "Path to this node's identity export blob")
	rootCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "loopback://self", "Transport endpoint (kind://selfID, e.g. loopback://self)")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading flags/config (ignored if absent)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Logging != nil {
		log, err := logger.NewFromBackend(cfg.Logging.Backend, logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, false)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		logger.SetDefaultLogger(log)
	}

	id, err := loadIdentity(cfg)
	if err != nil {
		return err
	}

	selector := transport.NewSelector()
	tr, err := selector.SelectByEndpoint(endpoint)
	if err != nil {
		return fmt.Errorf("select transport: %w", err)
	}

	net, err := mesh.New(mesh.Config{
		Identity:  id,
		Transport: tr,
		Storage:   memory.NewStore(),
		Cfg:       cfg,
		OnMessage: func(fromPeerID string, payload []byte, messageID string) {
			fmt.Printf("[%s -> me] %s\n", fromPeerID, string(payload))
		},
	})
	if err != nil {
		return fmt.Errorf("build network: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := net.Start(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	defer net.Stop(context.Background())

	fmt.Printf("meshd listening: peer id %s, endpoint %s\n", net.GetLocalPeerID(), endpoint)

	if cfg.Signaling != nil && cfg.Signaling.URL != "" {
		sig := signaling.New(cfg.Signaling.URL, id, cfg.Signaling.Timeout)
		sig.PeerKeys = net.PeerAgreementKey
		sig.OnBlob(func(fromPeerID string, blob []byte) {
			fmt.Printf("[signaling %s] %d bytes\n", fromPeerID, len(blob))
		})
		if err := sig.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "meshd: signaling connect failed: %v\n", err)
		} else {
			defer sig.Close()
		}
	}

	<-ctx.Done()
	fmt.Println("meshd: shutting down")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(configPath)
}

// keyStorage builds the sagecrypto.KeyStorage backend named by
// cfg.KeyStore. "encrypted-file" persists each key as an
// AES-256-GCM-encrypted JSON file under KeyStore.Directory, keyed by
// a passphrase read from the environment variable KeyStore.PassphraseEnv
// names; any other (or absent) type falls back to in-memory storage,
// which does not survive a restart on its own.
func keyStorage(cfg *config.Config) (sagecrypto.KeyStorage, error) {
	if cfg.KeyStore == nil || cfg.KeyStore.Type != "encrypted-file" {
		return cryptostorage.NewMemoryKeyStorage(), nil
	}
	passphrase := os.Getenv(cfg.KeyStore.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("keystore: %s is empty or unset", cfg.KeyStore.PassphraseEnv)
	}
	return cryptostorage.NewFileKeyStorage(cfg.KeyStore.Directory, []byte(passphrase))
}

// loadIdentity resolves this node's identity. An encrypted-file
// KeyStorage already persists keys across restarts on its own, so the
// --identity blob is only needed the first time (or to migrate an
// identity from another node); it is always kept up to date as a
// portable backup.
func loadIdentity(cfg *config.Config) (*identity.Identity, error) {
	ks, err := keyStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("build key storage: %w", err)
	}

	if data, err := os.ReadFile(identityPath); err == nil {
		return identity.Import(data, ks)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", identityPath, err)
	}

	store := identity.NewStore(ks)
	id, err := store.GetOrCreatePrimary("meshd")
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	blob, err := identity.Export(id)
	if err != nil {
		return nil, fmt.Errorf("export fresh identity: %w", err)
	}
	if err := os.WriteFile(identityPath, blob, 0600); err != nil {
		return nil, fmt.Errorf("persist %s: %w", identityPath, err)
	}
	return id, nil
}
