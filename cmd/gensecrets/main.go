// Command gensecrets prints freshly generated license secrets in env
// form. Never commit the output; store it in the host environment or a
// secret manager, and use different values per environment.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"opsboard/internal/license"
)

func generateSecret(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read random bytes: %v\n", err)
		os.Exit(1)
	}
	return hex.EncodeToString(buf)
}

func main() {
	masterKey := flag.String("master-key", "", "master key to hash into the allowlist")
	flag.Parse()

	fmt.Println("# License token secret (for signing activation tokens)")
	fmt.Printf("OPSBOARD_LICENSE_TOKEN_SECRET=%s\n\n", generateSecret(64))

	fmt.Println("# Manifest secret (for signing file integrity manifests)")
	fmt.Printf("OPSBOARD_LICENSE_MANIFEST_SECRET=%s\n\n", generateSecret(64))

	if *masterKey != "" {
		fmt.Println("# Master key hashes (comma-separated SHA256 hashes of valid master keys)")
		fmt.Printf("OPSBOARD_LICENSE_MASTER_KEY_HASHES=%s\n\n", license.HashKey(*masterKey))
	} else {
		fmt.Println("# To add a master key hash: gensecrets -master-key \"your-master-key\"")
		fmt.Println("# or: echo -n \"your-master-key\" | sha256sum")
		fmt.Println()
	}

	fmt.Println("# Token lifetime (default: one year)")
	fmt.Println("OPSBOARD_LICENSE_TOKEN_TTL=8760h")
}
