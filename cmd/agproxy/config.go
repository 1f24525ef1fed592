package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"

	"github.com/anime-games-proxy/agproxy/internal/helper"
	"github.com/anime-games-proxy/agproxy/launcher"
)

// Config is the command line configuration. It can also be read from a
// JSON file given with -f; flags given explicitly override the file and
// list flags add to the file's lists.
type Config struct {
	launcher.Options

	Port       int    `json:"port"`
	Debug      int    `json:"debug"` // 1 debug log, 2 debug log with source
	Wine       string `json:"wine"`
	WinePrefix string `json:"winePrefix"`

	version     bool
	installCert bool
	filename    string
}

type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func newFlagSet(config *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("agproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVar(&config.version, "version", false, "show agproxy version")
	fs.BoolVar(&config.installCert, "install-cert", false, "install the root certificate into the wine prefix and exit")
	fs.StringVar(&config.filename, "f", "", "read config from the JSON file")

	fs.IntVar(&config.Port, "port", 8080, "proxy listen port, on all interfaces")
	fs.StringVar(&config.Target, "target", "", "backend base URI redirected requests are sent to")
	fs.Var((*stringList)(&config.Rules), "rule", "redirect rule, contains:<s> or suffix:<s>, repeatable")
	fs.Var((*stringList)(&config.IgnoreHosts), "ignore_hosts", "host relayed without decryption, wildcards allowed, repeatable")
	fs.StringVar(&config.DataDir, "data_dir", "", "directory holding the ca directory")
	fs.IntVar(&config.MaxIssuance, "max_issuance", 0, "maximum number of leaf certificates")
	fs.BoolVar(&config.SslInsecure, "ssl_insecure", false, "do not verify upstream server certificates")
	fs.StringVar(&config.Upstream, "upstream", "", "upstream proxy, http(s) or socks5 URL")
	fs.BoolVar(&config.UpstreamCert, "upstream_cert", false, "dial the upstream before the client handshake")
	fs.StringVar(&config.ProxyAuth, "proxyauth", "", `require proxy authentication, "user:pass|user2:pass2"`)
	fs.StringVar(&config.LogFile, "log_file", "", "write flow events as JSON to this file")
	fs.StringVar(&config.MetricsAddr, "metrics_addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&config.WebAddr, "web_addr", "", "serve the live flow monitor on this address")
	fs.StringVar(&config.Dump, "dump", "", "dump flows to this file")
	fs.IntVar(&config.DumpLevel, "dump_level", 0, "dump level: 0 headers, 1 headers and bodies")
	fs.IntVar(&config.Debug, "debug", 0, "debug mode: 1 debug log, 2 debug log with source")
	fs.StringVar(&config.Wine, "wine", "wine", "wine executable used by -install-cert")
	fs.StringVar(&config.WinePrefix, "wine_prefix", "", "WINEPREFIX used by -install-cert")

	return fs
}

func loadConfig(args []string) (*Config, error) {
	config := new(Config)
	fs := newFlagSet(config)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if config.filename != "" {
		if err := helper.NewStructFromFile(config.filename, config); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", config.filename, err)
		}
		// explicit flags win over the file
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	config.Rules = lo.Uniq(config.Rules)
	config.IgnoreHosts = lo.Uniq(config.IgnoreHosts)

	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}
	return config, nil
}
