package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/ikreymer/wsgiprox/cert"
	"github.com/ikreymer/wsgiprox/demoapp"
	"github.com/ikreymer/wsgiprox/internal/helper"
	"github.com/ikreymer/wsgiprox/proxy"
	"github.com/ikreymer/wsgiprox/resolver"
	"github.com/ikreymer/wsgiprox/version"
	"github.com/ikreymer/wsgiprox/wsgiapp"
)

type Config struct {
	version bool // show wsgiprox version

	Addr         string   // proxy listen addr
	CAFile       string   // path to the root CA pem file
	CertsDir     string   // directory leaf certificates are cached in
	CAName       string   // common name of the generated root CA
	Wildcard     bool     // issue wildcard leaf certs for the parent domain
	Prefix       string   // resolver prefix for non-identity hosts
	IdentityHost []string // hosts treated as the proxy's own identity
	Debug        bool     // debug mode: print debug log
}

func loadConfig() *Config {
	config := new(Config)

	var identityHosts, configFile string
	flag.StringVar(&configFile, "config", "", "path to a JSON config file; when given, it replaces all other flags")
	flag.BoolVar(&config.version, "version", false, "show wsgiprox version")
	flag.StringVar(&config.Addr, "addr", ":8080", "proxy listen addr")
	flag.StringVar(&config.CAFile, "ca-file", "", "path to the root CA pem file")
	flag.StringVar(&config.CertsDir, "certs-dir", "", "directory leaf certificates are cached in")
	flag.StringVar(&config.CAName, "ca-name", "", "common name of the generated root CA")
	flag.BoolVar(&config.Wildcard, "wildcard", false, "issue wildcard leaf certs for the parent domain")
	flag.StringVar(&config.Prefix, "prefix", "/prefix/", "resolver prefix for non-identity hosts")
	flag.StringVar(&identityHosts, "identity-hosts", "wsgiprox", "comma-separated list of identity hosts")
	flag.BoolVar(&config.Debug, "debug", false, "print debug log")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*

	if configFile != "" {
		if err := helper.NewStructFromFile(configFile, config); err != nil {
			slog.Error("failed to load config file", "error", err, "file", configFile)
			os.Exit(1)
		}
		return config
	}

	if identityHosts != "" {
		split := strings.Split(identityHosts, ",")
		trimmed := lo.Map(split, func(h string, _ int) string { return strings.TrimSpace(h) })
		config.IdentityHost = lo.Filter(trimmed, func(h string, _ int) bool { return h != "" })
	}
	return config
}

func main() {
	config := loadConfig()

	if config.version {
		fmt.Println("wsgiprox: " + version.String())
		os.Exit(0)
	}

	level := slog.LevelInfo
	if config.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ca, err := cert.NewSelfSignCAWithConfig(cert.Config{
		CAFile:   config.CAFile,
		CertsDir: config.CertsDir,
		CAName:   config.CAName,
		Wildcard: config.Wildcard,
	})
	if err != nil {
		slog.Error("failed to create CA", "error", err)
		os.Exit(1)
	}

	server := proxy.NewServer(proxy.Config{
		Addr:      config.Addr,
		CA:        ca,
		Resolve:   resolver.NewFixed(config.Prefix, config.IdentityHost).Resolve,
		App:       demoapp.New(),
		CAHandler: &wsgiapp.CAHandler{CA: ca},
	})

	slog.Info("wsgiprox started", "addr", config.Addr)
	if err := server.Start(); err != nil {
		slog.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}
