package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/cobaltvault/storage-orchestration-backend/keystore"
)

var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 3,
	Usage: "number of shares required to reconstruct the key",
}
var flagShares *cli.IntFlag = &cli.IntFlag{
	Name:  "shares",
	Value: 5,
	Usage: "total number of shares to generate",
}
var flagSalt *cli.StringFlag = &cli.StringFlag{
	Name:  "salt",
	Usage: "hex-encoded salt from a previous derivation, empty generates a fresh one",
}

func main() {
	app := &cli.App{
		Name:  "master key tool",
		Usage: "Generate, split, combine and derive keystore master keys",
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Generate a fresh random master key",
				Action: func(cCtx *cli.Context) error {
					key, err := keystore.GenerateMasterKey()
					if err != nil {
						return err
					}
					fmt.Println(hex.EncodeToString(key))
					return nil
				},
			},
			{
				Name:      "split",
				Usage:     "Split a master key into shares for distribution",
				ArgsUsage: "<hex-master-key>",
				Flags:     []cli.Flag{flagShares, flagThreshold},
				Action: func(cCtx *cli.Context) error {
					key, err := hex.DecodeString(cCtx.Args().First())
					if err != nil {
						return fmt.Errorf("master key must be hex encoded: %w", err)
					}
					shares, err := keystore.SplitMasterKey(key,
						cCtx.Int(flagShares.Name), cCtx.Int(flagThreshold.Name))
					if err != nil {
						return err
					}
					for _, share := range shares {
						fmt.Println(hex.EncodeToString(share))
					}
					return nil
				},
			},
			{
				Name:      "combine",
				Usage:     "Reconstruct a master key from shares",
				ArgsUsage: "<hex-share> [<hex-share> ...]",
				Action: func(cCtx *cli.Context) error {
					args := cCtx.Args().Slice()
					if len(args) < 2 {
						return fmt.Errorf("combining requires at least two shares")
					}
					shares := make([][]byte, 0, len(args))
					for _, arg := range args {
						share, err := hex.DecodeString(strings.TrimSpace(arg))
						if err != nil {
							return fmt.Errorf("shares must be hex encoded: %w", err)
						}
						shares = append(shares, share)
					}
					key, err := keystore.CombineMasterKey(shares)
					if err != nil {
						return err
					}
					fmt.Println(hex.EncodeToString(key))
					return nil
				},
			},
			{
				Name:      "derive",
				Usage:     "Derive a master key from a passphrase",
				ArgsUsage: "<passphrase>",
				Flags:     []cli.Flag{flagSalt},
				Action: func(cCtx *cli.Context) error {
					var salt []byte
					if raw := cCtx.String(flagSalt.Name); raw != "" {
						var err error
						salt, err = hex.DecodeString(raw)
						if err != nil {
							return fmt.Errorf("salt must be hex encoded: %w", err)
						}
					}
					key, usedSalt, err := keystore.DeriveMasterKey(cCtx.Args().First(), salt)
					if err != nil {
						return err
					}
					fmt.Printf("key:  %s\n", hex.EncodeToString(key))
					fmt.Printf("salt: %s\n", hex.EncodeToString(usedSalt))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
