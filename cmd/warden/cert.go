package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcrodman/warden/internal/server"
)

const (
	certificateFilename = "certificate.pem"
	privateKeyFilename  = "key.pem"

	certificateValidity = 10 * 365 * 24 * time.Hour
)

var (
	IPFlag  string
	OutFlag string
)

// Generates a self-signed X.509 certificate (valid for 10 years) and the
// corresponding key presented by the auth server during the TLS handshake.
var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed certificate and key for the auth server",
	RunE:  certCommand,
}

func certCommand(cmd *cobra.Command, args []string) error {
	hosts := strings.Split(IPFlag, ",")
	if IPFlag == "" {
		// Read in a list of IPs.
		hosts = nil
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("server's external_ip: ")
			if !scanner.Scan() || scanner.Text() == "" {
				break
			}
			hosts = append(hosts, scanner.Text())
		}
	}
	if len(hosts) == 0 {
		return fmt.Errorf("at least one IP address or host name is required")
	}

	certPEM, keyPEM, err := server.GenerateCertificate(hosts, certificateValidity)
	if err != nil {
		return err
	}

	dir := OutFlag
	if dir == "" {
		dir = ConfigFlag
	}
	certPath := filepath.Join(dir, certificateFilename)
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("error writing certificate %s: %w", certPath, err)
	}
	fmt.Printf("wrote %s\n", certPath)

	keyPath := filepath.Join(dir, privateKeyFilename)
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("error writing key %s: %w", keyPath, err)
	}
	fmt.Printf("wrote %s\n", keyPath)

	fmt.Printf("\nDone! Place %s and %s in the config folder of the auth server\n"+
		"and distribute %s to clients that should verify it.\n",
		certificateFilename, privateKeyFilename, certificateFilename)
	return nil
}
