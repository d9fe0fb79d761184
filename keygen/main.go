package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zhazhalaila/SubsetBFT/keygen/keys"
)

const (
	nKey   = "n"
	fKey   = "f"
	outKey = "out"
)

func addFlags(flags *pflag.FlagSet) {
	flags.Int(nKey, 4, "total node number")
	flags.Int(fKey, 1, "byzantine node number")
	flags.String(outKey, "keys", "directory to write keys into, one sub directory per n")
}

func command() *cobra.Command {
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Deals threshold signature keys for a validator set",
		RunE:  keygenFunc,
	}
	addFlags(c.Flags())
	return c
}

func keygenFunc(c *cobra.Command, args []string) error {
	flags := c.Flags()
	n, err := flags.GetInt(nKey)
	if err != nil {
		return err
	}
	f, err := flags.GetInt(fKey)
	if err != nil {
		return err
	}
	out, err := flags.GetString(outKey)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ks, err := keys.Deal(n, f)
	if err != nil {
		return err
	}
	dir := filepath.Join(out, strconv.Itoa(n))
	if err := ks.Save(dir); err != nil {
		return fmt.Errorf("save keys: %w", err)
	}

	logger.Info().Int("n", n).Int("f", f).Str("dir", dir).Msg("keys written")
	return nil
}

func main() {
	if err := command().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
