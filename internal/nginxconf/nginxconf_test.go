package nginxconf

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const debianConf = `user www-data;
worker_processes auto;
pid /run/nginx.pid;
include /etc/nginx/modules-enabled/*.conf;

events {
	worker_connections 768;
}

http {
	sendfile on;
	# include /etc/nginx/sites-enabled/*;
	log_format main '$remote_addr "{" $request';

	server {
		listen 80;
		location / {
			return 200;
		}
	}

	include /etc/nginx/conf.d/*.conf;
}
`

func TestParse_Tree(t *testing.T) {
	cfg, err := Parse(debianConf)
	require.NoError(t, err)

	var names []string
	for _, d := range cfg.Directives {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"user", "worker_processes", "pid", "include", "events", "http"}, names)

	http := cfg.Find("http")
	require.NotNil(t, http)
	assert.True(t, http.IsBlock)
	assert.Equal(t, "}", debianConf[http.BlockClose:http.BlockClose+1])

	var childNames []string
	for _, d := range http.Block {
		childNames = append(childNames, d.Name)
	}
	assert.Equal(t, []string{"sendfile", "log_format", "server", "include"}, childNames)

	// Quoted braces do not open blocks.
	logFormat := http.Block[1]
	assert.Equal(t, []string{"main", `$remote_addr "{" $request`}, logFormat.Args)
}

func TestParse_HttpBraceOnNextLine(t *testing.T) {
	src := "http\n{\n    include conf.d/*.conf;\n}\n"
	cfg, err := Parse(src)
	require.NoError(t, err)
	require.NotNil(t, cfg.Find("http"))
	assert.Len(t, cfg.Find("http").Block, 1)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing close", "http {\n  server {\n  }\n", "expecting \"}\""},
		{"extra close", "http {\n}\n}\n", "unexpected \"}\""},
		{"missing semicolon", "http {\n  sendfile on\n}\n", "not terminated"},
		{"unterminated quote", "http {\n  return 200 \"oops;\n}\n", "unterminated"},
		{"dangling directive", "user nginx", "unexpected end of file"},
		{"stray semicolon", "events {}\n;\n", "unexpected \";\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_ErrorLine(t *testing.T) {
	_, err := Parse("events {}\nhttp {\n  sendfile on\n}\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 4")
}

func TestHasInclude(t *testing.T) {
	ok, err := HasInclude(debianConf, "http", "/etc/nginx/conf.d/*.conf")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = HasInclude(debianConf, "http", "/etc/nginx/sites-enabled/*")
	require.NoError(t, err)
	assert.False(t, ok, "commented include must not count")

	ok, err = HasInclude(debianConf, "http", "/etc/nginx/modules-enabled/*.conf")
	require.NoError(t, err)
	assert.False(t, ok, "top-level include is outside http")

	ok, err = HasInclude(debianConf, "", "/etc/nginx/modules-enabled/*.conf")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = HasInclude("events {}\n", "http", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = HasInclude("http {", "http", "x")
	assert.Error(t, err)
}

func TestInsertInclude(t *testing.T) {
	out, changed, err := InsertInclude(debianConf, "http", "/etc/nginx/app.d/*.conf")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Contains(t, out, "\tinclude /etc/nginx/conf.d/*.conf;\n\tinclude /etc/nginx/app.d/*.conf;\n}\n")

	ok, err := HasInclude(out, "http", "/etc/nginx/app.d/*.conf")
	require.NoError(t, err)
	assert.True(t, ok)

	// Idempotent.
	again, changed, err := InsertInclude(out, "http", "/etc/nginx/app.d/*.conf")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, out, again)
	assert.Equal(t, 1, strings.Count(again, "app.d"))
}

func TestInsertInclude_IndentFromCloseBrace(t *testing.T) {
	src := "http {\n}\n"
	out, changed, err := InsertInclude(src, "http", "/etc/nginx/app.d/*.conf")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "http {\n    include /etc/nginx/app.d/*.conf;\n}\n", out)
}

func TestInsertInclude_SingleLineBlock(t *testing.T) {
	src := "events {} http { sendfile on;}\n"
	out, changed, err := InsertInclude(src, "http", "conf.d/*.conf")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "events {} http { sendfile on; include conf.d/*.conf; }\n", out)

	_, err = Parse(out)
	assert.NoError(t, err)
}

func TestInsertInclude_QuotesOddPaths(t *testing.T) {
	out, _, err := InsertInclude("http {\n}\n", "http", "/etc/nginx/my dir/*.conf")
	require.NoError(t, err)
	assert.Contains(t, out, `include "/etc/nginx/my dir/*.conf";`)

	ok, err := HasInclude(out, "http", "/etc/nginx/my dir/*.conf")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertInclude_NoScope(t *testing.T) {
	_, _, err := InsertInclude("events {}\n", "http", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoScope))
}

func TestRemoveInclude(t *testing.T) {
	inserted, _, err := InsertInclude(debianConf, "http", "/etc/nginx/app.d/*.conf")
	require.NoError(t, err)

	out, changed := RemoveInclude(inserted, "/etc/nginx/app.d/*.conf")
	assert.True(t, changed)
	assert.Equal(t, debianConf, out, "insert then remove round-trips")

	_, changed = RemoveInclude(out, "/etc/nginx/app.d/*.conf")
	assert.False(t, changed)
}

func TestRemoveInclude_DuplicatesAndSharedLines(t *testing.T) {
	src := "http {\n    include a/*.conf;\n    server { include a/*.conf; listen 80; }\n    include a/*.conf;\n}\n"
	out, changed := RemoveInclude(src, "a/*.conf")
	assert.True(t, changed)
	assert.Equal(t, "http {\n    server { listen 80; }\n}\n", out)
}

func TestRemoveInclude_KeepsCommentedLines(t *testing.T) {
	src := "http {\n    # include a/*.conf;\n}\n"
	out, changed := RemoveInclude(src, "a/*.conf")
	assert.False(t, changed)
	assert.Equal(t, src, out)
}

func TestRemoveInclude_InvalidInputUnchanged(t *testing.T) {
	src := "http {\n    include a/*.conf;\n"
	out, changed := RemoveInclude(src, "a/*.conf")
	assert.False(t, changed)
	assert.Equal(t, src, out)
}

func TestIncludesDir(t *testing.T) {
	tests := []struct {
		name string
		src  string
		dir  string
		want bool
	}{
		{"absolute conf glob", debianConf, "/etc/nginx/conf.d", true},
		{"commented include", debianConf, "/etc/nginx/sites-enabled", false},
		{"relative conf glob", "http {\n include conf.d/*.conf;\n}\n", "/etc/nginx/conf.d", true},
		{"relative star", "http {\n include sites-enabled/*;\n}\n", "/etc/nginx/sites-enabled", true},
		{"quoted", "http {\n include \"/etc/nginx/conf.d/*.conf\";\n}\n", "/etc/nginx/conf.d/", true},
		{"outside http", "include /etc/nginx/conf.d/*.conf;\nhttp {\n}\n", "/etc/nginx/conf.d", false},
		{"inside server only", "http {\n server {\n  include /etc/nginx/conf.d/*.conf;\n }\n}\n", "/etc/nginx/conf.d", false},
		{"other dir", debianConf, "/etc/nginx/app.d", false},
		{"no http", "events {}\n", "/etc/nginx/conf.d", false},
		{"unparseable", "http {\n include conf.d/*.conf;\n", "/etc/nginx/conf.d", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IncludesDir(tt.src, "http", tt.dir, "/etc/nginx"))
		})
	}
}
