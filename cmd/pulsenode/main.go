// Command pulsenode starts a PulseChain regional consensus node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tolelom/pulsechain/config"
	"github.com/tolelom/pulsechain/crypto/certgen"
	"github.com/tolelom/pulsechain/identity"
	"github.com/tolelom/pulsechain/node"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from the environment, not a CLI flag: flags
	// leak via ps.
	password := os.Getenv("PULSECHAIN_PASSWORD")
	if password == "" {
		log.Println("WARNING: PULSECHAIN_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		pub, err := identity.GenerateAndSave(*keyPath, password)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", pub.Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	signer, pub, err := identity.LoadSigner(*keyPath, password, cfg.SignerBackend, cfg.NodeID)
	if err != nil {
		log.Fatalf("load signer: %v", err)
	}

	sup, err := node.New(cfg, signer, pub)
	if err != nil {
		log.Fatalf("assemble node: %v", err)
	}
	if err := sup.Start(); err != nil {
		log.Fatalf("start node: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	sup.Stop()
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
