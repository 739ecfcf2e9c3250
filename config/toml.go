package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root, config, and data directories if they don't
// exist, and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := ensureDir(rootDir); err != nil {
		panic(err.Error())
	}
	if err := ensureDir(filepath.Join(rootDir, defaultConfigDir)); err != nil {
		panic(err.Error())
	}
	if err := ensureDir(filepath.Join(rootDir, defaultDataDir)); err != nil {
		panic(err.Error())
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath.
func WriteConfigFile(configFilePath string, config *Config) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		return err
	}

	return os.WriteFile(configFilePath, buffer.Bytes(), 0600)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.peersync" by default, but could be changed via the --home cmd
# flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Bitcoin network to connect to: mainnet, testnet, regtest or simnet
network = "{{ .BaseConfig.Network }}"

# Output level for logging, one of: debug, info, error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (uncolored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming peer connections
laddr = "{{ .P2P.ListenAddress }}"

# Comma separated list of seed peers to connect to
seeds = [{{ range $i, $s := .P2P.Seeds }}{{ if $i }}, {{ end }}"{{ $s }}"{{ end }}]

#######################################################
###          Mempool Configuration Options          ###
#######################################################
[mempool]

# Maximum number of unconfirmed transactions held in the pool. Once the
# bound is reached the oldest entries are evicted.
size = {{ .Mempool.Size }}

#######################################################
###           Chain Configuration Options           ###
#######################################################
[chain]

# Database backend: goleveldb | memdb | badgerdb | boltdb
db_backend = "{{ .Chain.DBBackend }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# prometheus_listen_addr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
