// Package main loads blockchain network definitions from a YAML file into the
// configured store and optionally activates one of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/runtime"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/config"
)

type networksFile struct {
	Networks []evidence.Network `yaml:"networks"`
}

func parseNetworks(r io.Reader) ([]evidence.Network, error) {
	var file networksFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode networks: %w", err)
	}
	if len(file.Networks) == 0 {
		return nil, errors.New("no networks defined")
	}

	seen := make(map[string]bool, len(file.Networks))
	active := 0
	for i, n := range file.Networks {
		if n.ID == "" || n.RPCURL == "" || n.ChainID == 0 {
			return nil, fmt.Errorf("network %d: id, chain_id and rpc_url are required", i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("network %q defined twice", n.ID)
		}
		seen[n.ID] = true
		if n.Active {
			active++
		}
	}
	if active > 1 {
		return nil, errors.New("at most one network may be active")
	}
	return file.Networks, nil
}

// seed upserts every network inactive, then activates the chosen one so the
// store never holds two active rows.
func seed(ctx context.Context, store storage.NetworkStore, networks []evidence.Network, activate string) error {
	for _, n := range networks {
		if n.Active && activate == "" {
			activate = n.ID
		}
		n.Active = false
		if _, err := store.UpsertNetwork(ctx, n); err != nil {
			return fmt.Errorf("upsert %s: %w", n.ID, err)
		}
	}
	if activate == "" {
		return nil
	}
	if err := store.ActivateNetwork(ctx, activate); err != nil {
		return fmt.Errorf("activate %s: %w", activate, err)
	}
	return nil
}

func main() {
	var (
		file       = flag.String("file", "networks.yaml", "YAML file with a networks list")
		activate   = flag.String("activate", "", "Network id to activate (defaults to the one marked active)")
		configPath = flag.String("config", os.Getenv("EVIDENCE_CONFIG"), "Path to a YAML config file (optional)")
		envFile    = flag.String("env", ".env", "Path to a .env file")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Storage.Driver == config.DriverMemory {
		log.Fatalf("storage driver is %q; seeding needs postgres or supabase", cfg.Storage.Driver)
	}

	f, err := os.Open(filepath.Clean(*file))
	if err != nil {
		log.Fatalf("open networks file: %v", err)
	}
	networks, err := parseNetworks(f)
	f.Close()
	if err != nil {
		log.Fatalf("%s: %v", *file, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, release, err := runtime.OpenRepository(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer release()

	if err := seed(ctx, store, networks, *activate); err != nil {
		log.Fatalf("seed networks: %v", err)
	}
	fmt.Printf("Seeded %d networks into %s storage\n", len(networks), cfg.Storage.Driver)
}
