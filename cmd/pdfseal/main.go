// Command pdfseal stamps a buyer watermark onto an e-book PDF, records the
// buyer in the document info and optionally password-protects the result.
//
//	pdfseal -in book.pdf -name 홍길동 -phone 010-1234-5678 -password secret
//
// Defaults for the font path and publisher identity come from a .env file
// (PDFSEAL_FONT, PDFSEAL_AUTHOR, PDFSEAL_CREATOR) when one is present.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ollapress/pdfseal/fonts"
	"github.com/ollapress/pdfseal/observability"
	"github.com/ollapress/pdfseal/seal"
)

type options struct {
	in       string
	out      string
	name     string
	phone    string
	password string
	font     string
	verify   bool
	quiet    bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfseal: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pdfseal: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	// Missing .env is the normal case; only a malformed one is worth noting.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "pdfseal: ignoring .env: %v\n", err)
	}

	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pdfseal -in <pdf> [flags]\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&opts.in, "in", "", "Input PDF path (required)")
	flag.StringVar(&opts.out, "out", "", "Output path (default: {input}_{name}.pdf beside the input)")
	flag.StringVar(&opts.name, "name", "", "Buyer name")
	flag.StringVar(&opts.phone, "phone", "", "Buyer phone number")
	flag.StringVar(&opts.password, "password", "", "Password for the output (empty leaves it unencrypted)")
	flag.StringVar(&opts.font, "font", os.Getenv("PDFSEAL_FONT"), "TrueType font for the watermark text")
	flag.BoolVar(&opts.verify, "verify", false, "Validate the output with pdfcpu after writing")
	flag.BoolVar(&opts.quiet, "quiet", false, "Suppress progress output")
	flag.Parse()

	if opts.in == "" {
		flag.Usage()
		return options{}, fmt.Errorf("missing -in")
	}
	if opts.name == "" && opts.phone == "" {
		return options{}, fmt.Errorf("need -name or -phone to build the watermark")
	}
	return opts, nil
}

func run(opts options) error {
	var log observability.Logger = observability.NopLogger{}
	if !opts.quiet {
		// Filter the input-method noise some platforms print to stderr so it
		// cannot interleave with progress lines.
		log = observability.NewWriterLogger(
			observability.NewFilteringWriter(os.Stderr, "IMKClient", "IMKInputSession"), false)
	}

	tOpts := []seal.Option{
		seal.WithLogger(log),
		seal.WithFontResolver(fonts.NewPlatformResolver(opts.font, log)),
		seal.WithPublisher(os.Getenv("PDFSEAL_AUTHOR"), os.Getenv("PDFSEAL_CREATOR")),
	}
	if opts.verify {
		tOpts = append(tOpts, seal.WithVerifier(seal.PDFCPUVerifier{}))
	}
	transformer := seal.New(tOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := seal.Request{
		InputPath:  opts.in,
		OutputPath: opts.out,
		Password:   opts.password,
		BuyerName:  opts.name,
		BuyerPhone: opts.phone,
	}
	if !opts.quiet {
		req.OnProgress = renderProgress
	}

	if opts.password != "" && !opts.quiet {
		fmt.Fprintln(os.Stderr, "note: the password controls opening only; print/copy restrictions are not applied")
	}

	if err := transformer.Transform(ctx, req); err != nil {
		return err
	}

	out := opts.out
	if out == "" {
		out = seal.DefaultOutputPath(opts.in, opts.name)
	}
	fmt.Printf("sealed: %s\n", out)
	if opts.password != "" {
		fmt.Printf("password: %s\n", opts.password)
	}
	return nil
}

func renderProgress(current, total int, message string) {
	fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", current, total, message)
}
