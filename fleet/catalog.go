package fleet

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cnelson/go-fleet/fleeterr"
)

// EndpointPlaceholder is the token the fleet discovery document uses in
// place of a usable root URL. Clients substitute their own base URL.
const EndpointPlaceholder = "$ENDPOINT"

const (
	apiName    = "fleet"
	apiVersion = "v1"
)

// discoveryDoc is the subset of a discovery document the catalog reads.
type discoveryDoc struct {
	Name        string                       `json:"name"`
	Version     string                       `json:"version"`
	RootURL     string                       `json:"rootUrl"`
	ServicePath string                       `json:"servicePath"`
	Parameters  map[string]Param             `json:"parameters"`
	Resources   map[string]discoveryResource `json:"resources"`
}

type discoveryResource struct {
	Methods   map[string]discoveryMethod   `json:"methods"`
	Resources map[string]discoveryResource `json:"resources"`
}

type discoveryMethod struct {
	ID             string           `json:"id"`
	HTTPMethod     string           `json:"httpMethod"`
	Path           string           `json:"path"`
	Parameters     map[string]Param `json:"parameters"`
	ParameterOrder []string         `json:"parameterOrder"`
	Request        *struct {
		Ref string `json:"$ref"`
	} `json:"request"`
}

// Param describes one method parameter.
type Param struct {
	Type     string `json:"type"`
	Location string `json:"location"` // "path" or "query"
	Required bool   `json:"required"`
	Repeated bool   `json:"repeated"`
}

// Params are the arguments of a single call, keyed by parameter name.
// Empty values are omitted from the request.
type Params map[string]string

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Method is one remote procedure from the catalog.
type Method struct {
	// Name is "Resource.Method", e.g. "Units.Get".
	Name       string
	ID         string
	HTTPMethod string
	// Path is the URI template relative to the service root.
	Path       string
	Params     map[string]Param
	ParamOrder []string
	HasBody    bool

	root string // "$ENDPOINT/fleet/v1/"
}

// PreparedRequest is a fully expanded call. URI still begins with
// EndpointPlaceholder.
type PreparedRequest struct {
	HTTPMethod string
	URI        string
	Body       []byte
}

// Catalog is the method table of a fleet API, built once per client.
type Catalog struct {
	methods map[string]*Method
}

// LoadCatalog builds a catalog from a discovery document. Documents for
// any API other than fleet v1 are rejected.
func LoadCatalog(doc []byte) (*Catalog, error) {
	var d discoveryDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if d.Name != apiName || d.Version != apiVersion {
		return nil, fmt.Errorf("discovery document describes %s %s, not %s %s", d.Name, d.Version, apiName, apiVersion)
	}
	if !strings.HasPrefix(d.RootURL, EndpointPlaceholder) {
		return nil, fmt.Errorf("discovery document rootUrl %q does not start with %s", d.RootURL, EndpointPlaceholder)
	}

	c := &Catalog{methods: make(map[string]*Method)}
	root := d.RootURL + d.ServicePath
	for name, res := range d.Resources {
		c.addResource(name, res, root, d.Parameters)
	}
	if len(c.methods) == 0 {
		return nil, fmt.Errorf("discovery document has no methods")
	}
	return c, nil
}

func (c *Catalog) addResource(prefix string, res discoveryResource, root string, global map[string]Param) {
	for name, dm := range res.Methods {
		params := make(map[string]Param, len(global)+len(dm.Parameters))
		for k, p := range global {
			params[k] = p
		}
		for k, p := range dm.Parameters {
			params[k] = p
		}
		full := prefix + "." + name
		c.methods[full] = &Method{
			Name:       full,
			ID:         dm.ID,
			HTTPMethod: strings.ToUpper(dm.HTTPMethod),
			Path:       dm.Path,
			Params:     params,
			ParamOrder: dm.ParameterOrder,
			HasBody:    dm.Request != nil,
			root:       root,
		}
	}
	for name, sub := range res.Resources {
		c.addResource(prefix+"."+name, sub, root, global)
	}
}

// Method looks up a method by "Resource.Method" name.
func (c *Catalog) Method(name string) (*Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// Names returns all method names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.methods))
	for n := range c.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Prepare validates params against the method, expands the path template,
// encodes query parameters and marshals body.
func (m *Method) Prepare(params Params, body any) (*PreparedRequest, error) {
	for k := range params {
		if _, ok := m.Params[k]; !ok {
			return nil, &fleeterr.FormatError{Input: k, Reason: fmt.Sprintf("unknown parameter for %s", m.Name)}
		}
	}
	for k, p := range m.Params {
		if p.Required && params[k] == "" {
			return nil, &fleeterr.FormatError{Input: k, Reason: fmt.Sprintf("missing required parameter for %s", m.Name)}
		}
	}
	if body != nil && !m.HasBody {
		return nil, fmt.Errorf("%s does not take a request body", m.Name)
	}

	path := m.Path
	query := url.Values{}
	for k, v := range params {
		if v == "" {
			continue
		}
		switch m.Params[k].Location {
		case "path":
			path = strings.ReplaceAll(path, "{+"+k+"}", v)
			path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
		default:
			query.Set(k, v)
		}
	}

	req := &PreparedRequest{HTTPMethod: m.HTTPMethod, URI: m.root + path}
	if len(query) > 0 {
		req.URI += "?" + query.Encode()
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request body: %w", m.Name, err)
		}
		req.Body = b
	}
	return req, nil
}
