// Command coverdrop-client is a small CLI wrapper over internal/client,
// useful for exercising a running API by hand: fetch the public key
// hierarchy, list dead-drops, or post a raw sealed envelope. It is not a
// full whistleblower or journalist client (no local key storage, no
// encryption of plaintext messages) — those stay out of this exercise the
// same way the teacher keeps operational tooling thin and leaves the real
// domain logic to its services.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coverdrop/coverdrop/internal/client"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "public-keys":
		err = runPublicKeys(ctx, args)
	case "dead-drops":
		err = runDeadDrops(ctx, args)
	case "post-message":
		err = runPostMessage(ctx, args)
	case "submit-form":
		err = runSubmitForm(ctx, args)
	case "rotate":
		err = runRotate(ctx, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "coverdrop-client:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: coverdrop-client <command> [flags]

commands:
  public-keys   -base-url URL
  dead-drops    -base-url URL -side user|journalist [-from N] [-limit N]
  post-message  -base-url URL -side user|journalist -hex DATA
  submit-form   -base-url URL -role ROLE [-entity-id ID] -form-file PATH
  rotate        -base-url URL -form-file PATH`)
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("base-url", "", "base URL of the target API")
	return fs, baseURL
}

func requireBaseURL(fs *flag.FlagSet, baseURL *string) (*client.Client, error) {
	if *baseURL == "" {
		return nil, fmt.Errorf("-base-url is required")
	}
	return client.NewClient(*baseURL), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runPublicKeys(ctx context.Context, args []string) error {
	fs, baseURL := newFlagSet("public-keys")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := requireBaseURL(fs, baseURL)
	if err != nil {
		return err
	}
	out, err := c.PublicKeys(ctx)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runDeadDrops(ctx context.Context, args []string) error {
	fs, baseURL := newFlagSet("dead-drops")
	side := fs.String("side", "user", "user or journalist")
	from := fs.Int64("from", 0, "exclusive lower dead-drop id bound")
	limit := fs.Int("limit", 100, "max dead-drops to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := requireBaseURL(fs, baseURL)
	if err != nil {
		return err
	}

	var out client.DeadDropsResponse
	switch *side {
	case "user":
		out, err = c.UserDeadDrops(ctx, *from, *limit)
	case "journalist":
		out, err = c.JournalistDeadDrops(ctx, *from, *limit)
	default:
		return fmt.Errorf("-side must be user or journalist, got %q", *side)
	}
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runPostMessage(ctx context.Context, args []string) error {
	fs, baseURL := newFlagSet("post-message")
	side := fs.String("side", "user", "user or journalist")
	hexData := fs.String("hex", "", "hex-encoded sealed envelope bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := requireBaseURL(fs, baseURL)
	if err != nil {
		return err
	}
	if *hexData == "" {
		return fmt.Errorf("-hex is required")
	}
	envelope, err := hex.DecodeString(*hexData)
	if err != nil {
		return fmt.Errorf("decode -hex: %w", err)
	}

	switch *side {
	case "user":
		err = c.PostUserMessage(ctx, envelope)
	case "journalist":
		err = c.PostJournalistMessage(ctx, envelope)
	default:
		return fmt.Errorf("-side must be user or journalist, got %q", *side)
	}
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

// signedFormFile is the on-disk shape a caller prepares out of band (this
// CLI never holds a signing key): the same four fields internal/client's
// SignedFormDTO wants, so both cmd/api's key-submission endpoints and
// cmd/identity-api's rotation endpoint can be driven from one file format.
type signedFormFile struct {
	Body          string `json:"body"`
	SignerPublic  string `json:"signer_public"`
	Signature     string `json:"signature"`
	NotValidAfter string `json:"not_valid_after"`
}

func readSignedForm(path string) (client.SignedFormDTO, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return client.SignedFormDTO{}, err
	}
	var f signedFormFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return client.SignedFormDTO{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return client.SignedFormDTO{
		Body:          f.Body,
		SignerPublic:  f.SignerPublic,
		Signature:     f.Signature,
		NotValidAfter: f.NotValidAfter,
	}, nil
}

func runSubmitForm(ctx context.Context, args []string) error {
	fs, baseURL := newFlagSet("submit-form")
	role := fs.String("role", "", "target role, e.g. covernode_messaging")
	entityID := fs.String("entity-id", "", "entity id the form registers, if any")
	formFile := fs.String("form-file", "", "path to a JSON signed-form file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := requireBaseURL(fs, baseURL)
	if err != nil {
		return err
	}
	if *role == "" {
		return fmt.Errorf("-role is required")
	}
	if *formFile == "" {
		return fmt.Errorf("-form-file is required")
	}
	form, err := readSignedForm(*formFile)
	if err != nil {
		return err
	}
	out, err := c.SubmitKeyForm(ctx, *role, *entityID, form)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runRotate(ctx context.Context, args []string) error {
	fs, baseURL := newFlagSet("rotate")
	formFile := fs.String("form-file", "", "path to a JSON signed rotation-form file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := requireBaseURL(fs, baseURL)
	if err != nil {
		return err
	}
	if *formFile == "" {
		return fmt.Errorf("-form-file is required")
	}
	form, err := readSignedForm(*formFile)
	if err != nil {
		return err
	}
	out, err := c.RotateIdentityKey(ctx, form)
	if err != nil {
		return err
	}
	return printJSON(out)
}
