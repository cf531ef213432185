// Command keygen generates an RS256 signing key pair for the token
// service: the private key goes to JWT_PRIVATE_KEY(_FILE), the public
// key can be kept as the secondary validation key across a rotation.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
)

func main() {
	bits := flag.Int("bits", 2048, "RSA key size")
	privOut := flag.String("private", "jwt_private.pem", "private key output file")
	pubOut := flag.String("public", "jwt_public.pem", "public key output file")
	flag.Parse()

	key, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		os.Exit(1)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	})

	if err := os.WriteFile(*privOut, privPEM, 0o600); err != nil {
		fmt.Fprintln(os.Stderr, "write private key:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*pubOut, pubPEM, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write public key:", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s and %s (%d bits)\n", *privOut, *pubOut, *bits)
}
