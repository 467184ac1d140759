// Package units renders every file shipctl installs on the host: the socket
// and service units, the nginx drop-in, the tmpfiles rule and the nginx
// snippets.
package units

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/blackwell-systems/shipctl/internal/config"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"join":     strings.Join,
	"upstream": UpstreamName,
}).ParseFS(templateFS, "templates/*.tmpl"))

// Data is what unit and snippet rendering needs to know.
type Data struct {
	AppName     string
	User        string
	Group       string
	SocketGroup string
	ServerNames []string
	ExecStart   string // text/template over Data
	ProxyBin    string
	ManagedConf string
	ManagedDir  string
	config.Paths
}

// NewData collects rendering inputs from the configuration.
func NewData(cfg *config.Config, socketGroup string, serverNames []string) Data {
	if socketGroup == "" {
		socketGroup = cfg.App.Group
	}
	if len(serverNames) == 0 {
		serverNames = cfg.Proxy.ServerNames
	}
	return Data{
		AppName:     cfg.App.Name,
		User:        cfg.App.User,
		Group:       cfg.App.Group,
		SocketGroup: socketGroup,
		ServerNames: serverNames,
		ExecStart:   cfg.Service.ExecStart,
		ProxyBin:    cfg.Proxy.Bin,
		ManagedConf: cfg.Proxy.ManagedConf,
		ManagedDir:  cfg.Proxy.ManagedDir,
		Paths:       cfg.ResolvePaths(),
	}
}

func serialize(opts []*unit.UnitOption) ([]byte, error) {
	b, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return nil, fmt.Errorf("serialize unit: %w", err)
	}
	return b, nil
}

// Socket renders the listener unit.
func Socket(d Data) ([]byte, error) {
	return serialize([]*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", d.AppName+" socket"),
		unit.NewUnitOption("Socket", "ListenStream", d.SocketPath),
		unit.NewUnitOption("Socket", "SocketUser", d.User),
		unit.NewUnitOption("Socket", "SocketGroup", d.SocketGroup),
		unit.NewUnitOption("Socket", "SocketMode", "0660"),
		unit.NewUnitOption("Socket", "RemoveOnStop", "yes"),
		unit.NewUnitOption("Install", "WantedBy", "sockets.target"),
	})
}

// Service renders the worker unit. It is socket activated and has no
// [Install] section of its own.
func Service(d Data) ([]byte, error) {
	execStart, err := renderExecStart(d)
	if err != nil {
		return nil, err
	}
	return serialize([]*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", d.AppName+" application"),
		unit.NewUnitOption("Unit", "Requires", d.SocketUnit),
		unit.NewUnitOption("Unit", "After", "network.target "+d.SocketUnit),
		unit.NewUnitOption("Service", "Type", "notify"),
		unit.NewUnitOption("Service", "User", d.User),
		unit.NewUnitOption("Service", "Group", d.Group),
		unit.NewUnitOption("Service", "WorkingDirectory", d.CurrentLink),
		unit.NewUnitOption("Service", "EnvironmentFile", d.EnvFile),
		unit.NewUnitOption("Service", "ExecStart", execStart),
		unit.NewUnitOption("Service", "ExecReload", "/bin/kill -s HUP $MAINPID"),
		unit.NewUnitOption("Service", "KillMode", "mixed"),
		unit.NewUnitOption("Service", "TimeoutStopSec", "5"),
		unit.NewUnitOption("Service", "PrivateTmp", "true"),
		unit.NewUnitOption("Service", "NoNewPrivileges", "true"),
	})
}

func renderExecStart(d Data) (string, error) {
	tpl, err := template.New("exec_start").Option("missingkey=error").Parse(d.ExecStart)
	if err != nil {
		return "", fmt.Errorf("parse exec_start: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render exec_start: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// NginxDropin points nginx.service at the managed configuration. Each Exec
// line is cleared before it is replaced.
func NginxDropin(d Data) ([]byte, error) {
	global := "-g 'daemon on; master_process on;'"
	return serialize([]*unit.UnitOption{
		unit.NewUnitOption("Service", "ExecStartPre", ""),
		unit.NewUnitOption("Service", "ExecStartPre", fmt.Sprintf("%s -t -q -c %s %s", d.ProxyBin, d.ManagedConf, global)),
		unit.NewUnitOption("Service", "ExecStart", ""),
		unit.NewUnitOption("Service", "ExecStart", fmt.Sprintf("%s -c %s %s", d.ProxyBin, d.ManagedConf, global)),
		unit.NewUnitOption("Service", "ExecReload", ""),
		unit.NewUnitOption("Service", "ExecReload", fmt.Sprintf("%s -c %s %s -s reload", d.ProxyBin, d.ManagedConf, global)),
	})
}

// TmpfilesRule declares the runtime directory that holds the socket.
func TmpfilesRule(d Data) []byte {
	return []byte(fmt.Sprintf("d %s 0755 %s %s -\n", d.RuntimeDir, d.User, d.SocketGroup))
}

func execute(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// NginxSnippet renders the virtual host that proxies to the Unix socket.
func NginxSnippet(d Data) ([]byte, error) {
	return execute("snippet.conf.tmpl", d)
}

// NginxMinimalConf renders a self-contained main configuration for hosts
// whose nginx.conf has no http block to extend.
func NginxMinimalConf(d Data) ([]byte, error) {
	return execute("managed.conf.tmpl", d)
}

// UpstreamName is the nginx upstream the snippet defines.
func UpstreamName(app string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(app) + "_app"
}

// ParseUnit parses rendered unit text back into options.
func ParseUnit(b []byte) ([]*unit.UnitOption, error) {
	return unit.Deserialize(bytes.NewReader(b))
}
