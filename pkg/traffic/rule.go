package traffic

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/cuemby/switchyard/pkg/health"
	"github.com/cuemby/switchyard/pkg/types"
)

// ActiveHeader is added to every proxied response and names the active environment
const ActiveHeader = health.EnvironmentHeader

const markerPrefix = "# switchyard: active="

// ErrNoRule is returned by Current when no routing rule has been written yet
var ErrNoRule = errors.New("no routing rule")

// Route maps one upstream to the address serving it in an environment
type Route struct {
	// Upstream is the nginx upstream name the server blocks proxy to
	Upstream string
	// Address is host:port of the environment's service
	Address string
}

var ruleTemplate = template.Must(template.New("rule").Parse(`{{ .Marker }}{{ .Env }}
# Generated by switchyard; manual edits are overwritten on the next switch.
{{- range .Routes }}
upstream {{ .Upstream }} {
    server {{ .Address }};
}
{{- end }}
add_header {{ .Header }} "{{ .Env }}" always;
`))

// Render produces the routing rule pointing every upstream at env
func Render(env types.Environment, routes []Route) ([]byte, error) {
	if !env.Valid() {
		return nil, fmt.Errorf("invalid environment %q", env)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no routes for environment %s", env)
	}

	var buf bytes.Buffer
	err := ruleTemplate.Execute(&buf, struct {
		Marker string
		Header string
		Env    types.Environment
		Routes []Route
	}{markerPrefix, ActiveHeader, env, routes})
	if err != nil {
		return nil, fmt.Errorf("failed to render routing rule: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse returns the environment named by a routing rule's marker
func Parse(data []byte) (types.Environment, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if name, ok := strings.CutPrefix(line, markerPrefix); ok {
			return types.ParseEnvironment(name)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errors.New("routing rule has no active environment marker")
}
