package main

import (
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/bywise/go-bywise/crypto"
)

var privateFlag = &cli.BoolFlag{
	Name:  "private",
	Usage: "include the private key in the output",
}

type outputInspect struct {
	Address    string `json:"address"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey,omitempty"`
}

var commandInspect = &cli.Command{
	Name:      "inspect",
	Usage:     "inspect a keyfile",
	ArgsUsage: "<keyfile>",
	Description: `
Print various information about the keyfile.

Private key information can be printed by using the --private flag;
make sure to use this feature with great caution!`,
	Flags: []cli.Flag{
		jsonFlag,
		privateFlag,
	},
	Action: func(ctx *cli.Context) error {
		kf, err := readKeyfile(ctx.Args().First())
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(kf.PrivateKey)
		if err != nil {
			return fmt.Errorf("keyfile holds a non-hex private key: %v", err)
		}
		key, err := crypto.PrivateKeyFromBytes(raw)
		if err != nil {
			return err
		}

		out := outputInspect{
			Address:   kf.Address,
			PublicKey: hex.EncodeToString(key.PublicKey()),
		}
		if ctx.Bool(privateFlag.Name) {
			out.PrivateKey = hex.EncodeToString(key.Bytes())
		}
		return printOutput(ctx, out, func() {
			fmt.Println("Address:       ", out.Address)
			fmt.Println("Public key:    ", out.PublicKey)
			if out.PrivateKey != "" {
				fmt.Println("Private key:   ", out.PrivateKey)
			}
		})
	},
}
