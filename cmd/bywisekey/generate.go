package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
)

var privateKeyFlag = &cli.StringFlag{
	Name:  "privatekey",
	Usage: "file containing a raw private key in hex to import",
}

var commandGenerate = &cli.Command{
	Name:      "generate",
	Usage:     "generate a new keyfile",
	ArgsUsage: "[<keyfile>]",
	Description: `
Generate a new wallet keyfile.

If you want to use an existing private key, it can be supplied via the
--privatekey flag pointing at a file with the key in hex.`,
	Flags: []cli.Flag{
		jsonFlag,
		privateKeyFlag,
	},
	Action: func(ctx *cli.Context) error {
		keyfilepath := ctx.Args().First()
		if keyfilepath == "" {
			keyfilepath = defaultKeyfileName
		}
		if _, err := os.Stat(keyfilepath); err == nil {
			return fmt.Errorf("keyfile already exists at %s", keyfilepath)
		} else if !os.IsNotExist(err) {
			return err
		}

		var (
			key *crypto.PrivateKey
			err error
		)
		if file := ctx.String(privateKeyFlag.Name); file != "" {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read private key file: %v", err)
			}
			dec, err := hex.DecodeString(string(bytes.TrimSpace(raw)))
			if err != nil {
				return fmt.Errorf("private key file is not hex: %v", err)
			}
			key, err = crypto.PrivateKeyFromBytes(dec)
			if err != nil {
				return err
			}
		} else {
			key, err = crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %v", err)
			}
		}

		kf := &keyfile{
			Address:    bwsaddr.FromKey(key.PublicKeyHash()).String(),
			PrivateKey: hex.EncodeToString(key.Bytes()),
		}
		if dir := filepath.Dir(keyfilepath); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("could not create directory %s: %v", dir, err)
			}
		}
		enc, err := json.MarshalIndent(kf, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(keyfilepath, enc, 0600); err != nil {
			return fmt.Errorf("failed to write keyfile: %v", err)
		}

		out := struct {
			Address string `json:"address"`
			Path    string `json:"path"`
		}{kf.Address, keyfilepath}
		return printOutput(ctx, out, func() {
			fmt.Println("Address:", out.Address)
			fmt.Println("Keyfile:", out.Path)
		})
	},
}
