// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package config parses and validates vncmanager's configuration. Grounded
// on original_source/Configuration.cpp for the option surface, and on
// cmd/minimega/main.go for the Go idiom: package-level flag.* vars parsed
// once in main and collected into a single immutable value passed by
// reference to every constructor (spec.md §9, "Global configuration").
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

// Config is the fully resolved, immutable configuration for one run of
// vncmanager. Every field name matches spec.md §6.
type Config struct {
	Listen []string
	Port   string

	Security []rfb.VeNCryptSubtype

	DisableManager    bool
	AlwaysShowGreeter bool

	Query    string
	Geometry string

	Xvnc    string
	Greeter string
	Xauth   string
	RunDir  string

	XvncArgs []string

	TLSCert                string
	TLSKey                 string
	TLSPriorityAnonymous   string
	TLSPriorityCertificate string
}

// Flags are the package-level flag.Value bindings, registered at package
// init like cmd/minimega's f_* vars. main calls flag.Parse then Load.
var (
	fConfigFile = flag.String("config", "/etc/vncmanager.conf", "configuration file")
	fListen     = flag.String("listen", "", "comma-separated addresses to bind to (default: all interfaces)")
	fPort       = flag.String("port", "5900", "tcp port to listen on")
	fSecurity   = flag.String("security", "TLS,X509,None", "comma-separated VeNCrypt subtypes, in priority order")

	fDisableManager    = flag.Bool("disable-manager", false, "every connection gets a fresh session; no greeter, no reconnect")
	fAlwaysShowGreeter = flag.Bool("always-show-greeter", false, "show the greeter even when no session is available for reconnection")

	fQuery    = flag.String("query", "localhost", "XDMCP host Xvnc should query")
	fGeometry = flag.String("geometry", "1024x768", "geometry passed to Xvnc")

	fXvnc    = flag.String("xvnc", "/usr/bin/Xvnc", "path to the Xvnc executable")
	fGreeter = flag.String("greeter", "/usr/bin/vncmanager-greeter", "path to the greeter executable")
	fXauth   = flag.String("xauth", "/usr/bin/xauth", "path to the xauth executable")
	fRunDir  = flag.String("rundir", "/run/vncmanager", "path to the run directory")

	fXvncArgs = flag.String("xvnc-args", "", "additional shell-style tokenized arguments appended to Xvnc's argv")

	fTLSCert                = flag.String("tls-cert", "/etc/vnc/tls.cert", "path to certificate file")
	fTLSKey                 = flag.String("tls-key", "/etc/vnc/tls.key", "path to key file")
	fTLSPriorityAnonymous   = flag.String("tls-priority-anonymous", "NORMAL:+ANON-ECDH:+ANON-DH", "TLS priority string for anonymous TLS")
	fTLSPriorityCertificate = flag.String("tls-priority-certificate", "NORMAL", "TLS priority string for TLS with a certificate")
)

// Load builds a Config from the parsed flags, first applying any values
// found in the -config file (flags always win on conflict, mirroring
// boost::program_options' command-line-then-config-file precedence in
// original_source/Configuration.cpp).
func Load() (*Config, error) {
	overrides, err := readConfigFile(*fConfigFile)
	if err != nil {
		return nil, err
	}

	get := func(flagName, flagValue string) string {
		if isFlagSet(flagName) {
			return flagValue
		}
		if v, ok := overrides[flagName]; ok {
			return v
		}
		return flagValue
	}

	security, err := parseSecurity(get("security", *fSecurity))
	if err != nil {
		return nil, err
	}

	xvncArgs, err := tokenizeShellArgs(get("xvnc-args", *fXvncArgs))
	if err != nil {
		return nil, fmt.Errorf("config: xvnc-args: %w", err)
	}

	listen := []string{}
	if l := get("listen", *fListen); l != "" {
		listen = strings.Split(l, ",")
	}

	c := &Config{
		Listen:            listen,
		Port:              get("port", *fPort),
		Security:          security,
		DisableManager:    boolFlagOr(overrides, "disable-manager", *fDisableManager),
		AlwaysShowGreeter: boolFlagOr(overrides, "always-show-greeter", *fAlwaysShowGreeter),
		Query:             get("query", *fQuery),
		Geometry:          get("geometry", *fGeometry),
		Xvnc:              get("xvnc", *fXvnc),
		Greeter:           get("greeter", *fGreeter),
		Xauth:             get("xauth", *fXauth),
		RunDir:            get("rundir", *fRunDir),
		XvncArgs:          xvncArgs,

		TLSCert:                get("tls-cert", *fTLSCert),
		TLSKey:                 get("tls-key", *fTLSKey),
		TLSPriorityAnonymous:   get("tls-priority-anonymous", *fTLSPriorityAnonymous),
		TLSPriorityCertificate: get("tls-priority-certificate", *fTLSPriorityCertificate),
	}

	return c, nil
}

// Check validates the paths and files this configuration depends on,
// mirroring Configuration::check() in original_source/Configuration.cpp.
func (c *Config) Check() error {
	if err := os.MkdirAll(c.RunDir, 0755); err != nil {
		return fmt.Errorf("config: creating rundir %s: %w", c.RunDir, err)
	}

	if err := checkExecutable(c.Xvnc); err != nil {
		return err
	}

	if !c.DisableManager {
		if err := checkExecutable(c.Greeter); err != nil {
			return err
		}
		if err := checkExecutable(c.Xauth); err != nil {
			return err
		}
	}

	for _, s := range c.Security {
		if s == rfb.VeNCryptX509None {
			if err := checkReadable(c.TLSCert); err != nil {
				return err
			}
			if err := checkReadable(c.TLSKey); err != nil {
				return err
			}
			break
		}
	}

	return nil
}

// OffersNone reports whether the None security type should be advertised
// directly to the client (spec.md §4.1.1 step 3).
func (c *Config) OffersNone() bool {
	for _, s := range c.Security {
		if s == rfb.VeNCryptNone {
			return true
		}
	}
	return false
}

// OffersVeNCrypt reports whether any TLS/X509 subtype is configured, which
// makes SecurityType::VeNCrypt an offered security type.
func (c *Config) OffersVeNCrypt() bool {
	for _, s := range c.Security {
		if s == rfb.VeNCryptTLSNone || s == rfb.VeNCryptX509None {
			return true
		}
	}
	return false
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("config: %s: not executable", path)
	}
	return nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return f.Close()
}

func parseSecurity(s string) ([]rfb.VeNCryptSubtype, error) {
	var out []rfb.VeNCryptSubtype
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "TLS":
			out = append(out, rfb.VeNCryptTLSNone)
		case "X509":
			out = append(out, rfb.VeNCryptX509None)
		case "None":
			out = append(out, rfb.VeNCryptNone)
		case "":
			// skip empty tokens from trailing commas
		default:
			return nil, fmt.Errorf("config: unknown security type: %s", tok)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: no security type configured")
	}
	return out, nil
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func boolFlagOr(overrides map[string]string, name string, flagValue bool) bool {
	if isFlagSet(name) {
		return flagValue
	}
	if v, ok := overrides[name]; ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return flagValue
}

// readConfigFile reads a simple "key = value" file, one setting per line,
// '#' starts a comment. A file that does not exist is not an error,
// whether or not -config named it explicitly; any other failure to open
// or read it is.
func readConfigFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return out, nil
}
