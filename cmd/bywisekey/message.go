package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
)

var msgfileFlag = &cli.StringFlag{
	Name:  "msgfile",
	Usage: "file containing the message to sign/verify",
}

var commandSignMessage = &cli.Command{
	Name:      "signmessage",
	Usage:     "sign a message",
	ArgsUsage: "<keyfile> <message>",
	Description: `
Sign the message with a keyfile.

To sign a message contained in a file, use the --msgfile flag.`,
	Flags: []cli.Flag{
		jsonFlag,
		msgfileFlag,
	},
	Action: func(ctx *cli.Context) error {
		message, err := getMessage(ctx, 1)
		if err != nil {
			return err
		}
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

		sig, err := key.Sign(crypto.Keccak256Hash(message))
		if err != nil {
			return fmt.Errorf("failed to sign message: %v", err)
		}
		out := struct {
			Signature string `json:"signature"`
		}{base64.StdEncoding.EncodeToString(sig)}
		return printOutput(ctx, out, func() {
			fmt.Println("Signature:", out.Signature)
		})
	},
}

var commandVerifyMessage = &cli.Command{
	Name:      "verifymessage",
	Usage:     "verify the signature of a signed message",
	ArgsUsage: "<address> <signature> <message>",
	Description: `
Verify the signature of the message.
It is possible to refer to a file containing the message.`,
	Flags: []cli.Flag{
		jsonFlag,
		msgfileFlag,
	},
	Action: func(ctx *cli.Context) error {
		address := ctx.Args().First()
		signatureB64 := ctx.Args().Get(1)
		message, err := getMessage(ctx, 2)
		if err != nil {
			return err
		}

		key, err := bwsaddr.DecodeKey(address)
		if err != nil {
			return fmt.Errorf("invalid address: %v", err)
		}
		sig, err := base64.StdEncoding.DecodeString(signatureB64)
		if err != nil {
			return fmt.Errorf("signature is not base64: %v", err)
		}
		ok := crypto.VerifyKey(key, crypto.Keccak256Hash(message), sig)

		out := struct {
			Valid bool `json:"valid"`
		}{ok}
		return printOutput(ctx, out, func() {
			if ok {
				fmt.Println("Signature verification successful!")
			} else {
				fmt.Println("Signature verification failed!")
			}
		})
	},
}

func getMessage(ctx *cli.Context, msgarg int) ([]byte, error) {
	if file := ctx.String(msgfileFlag.Name); file != "" {
		if ctx.NArg() > msgarg {
			return nil, fmt.Errorf("can't use --msgfile and message argument at the same time")
		}
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("can't read message file: %v", err)
		}
		return raw, nil
	}
	if ctx.NArg() == msgarg+1 {
		return []byte(ctx.Args().Get(msgarg)), nil
	}
	return nil, fmt.Errorf("invalid number of arguments, want %d, got %d", msgarg+1, ctx.NArg())
}
