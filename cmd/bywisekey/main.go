// bywisekey manages wallet keyfiles: generation, inspection and message
// signing against BWS addresses.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const defaultKeyfileName = "keyfile.json"

// keyfile is the on-disk wallet format.
type keyfile struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "output JSON instead of human-readable format",
}

func main() {
	app := &cli.App{
		Name:  "bywisekey",
		Usage: "a wallet key manager",
		Commands: []*cli.Command{
			commandGenerate,
			commandInspect,
			commandSignMessage,
			commandVerifyMessage,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readKeyfile(path string) (*keyfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyfile %s: %v", path, err)
	}
	var kf keyfile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("invalid keyfile %s: %v", path, err)
	}
	return &kf, nil
}

func printOutput(ctx *cli.Context, v interface{}, human func()) error {
	if ctx.Bool(jsonFlag.Name) {
		enc, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(enc))
		return nil
	}
	human()
	return nil
}
