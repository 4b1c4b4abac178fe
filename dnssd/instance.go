package dnssd

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/weaveworks/mdnsd/mdns"
)

const (
	DefaultDomain = "local"

	// RFC 6763 section 6.1
	maxTxtEntry = 255
	// RFC 6335 section 5.1, plus the leading underscore
	maxServiceLabel = 16
)

// Instance is a service instance as the application asks for it to be
// published: "printer" of type "_http._tcp" in domain "local".
type Instance struct {
	InstanceID string
	ServiceID  string
	Domain     string
	Port       uint16
	Txt        map[string]string
}

// NewInstance builds a validated Instance. serviceType is either a bare
// service ("_http._tcp") or one with its domain ("_http._tcp.local").
func NewInstance(instanceID, serviceType string, port uint16, txt map[string]string) (Instance, error) {
	serviceID, domain, err := ParseServiceType(serviceType)
	if err != nil {
		return Instance{}, err
	}
	i := Instance{InstanceID: instanceID, ServiceID: serviceID, Domain: domain, Port: port, Txt: cloneTxt(txt)}
	return i, i.Validate()
}

// ParseServiceType splits "_http._tcp.local" into "_http._tcp" and
// "local". The domain defaults to DefaultDomain.
func ParseServiceType(s string) (serviceID, domain string, err error) {
	name, err := mdns.ParseDomainName(s)
	if err != nil {
		return "", "", errors.Wrapf(ErrInvalidServiceType, "%q: %v", s, err)
	}
	labels := name.Labels()
	if len(labels) < 2 || !isServiceLabel(labels[0]) || !isProtoLabel(labels[1]) {
		return "", "", errors.Wrapf(ErrInvalidServiceType, "%q", s)
	}
	domain = DefaultDomain
	if len(labels) > 2 {
		domain = mdns.MustDomainName(labels[2:]...).String()
	}
	return labels[0] + "." + labels[1], domain, nil
}

func isServiceLabel(l string) bool {
	return len(l) >= 2 && len(l) <= maxServiceLabel && l[0] == '_' && l[1] != '-'
}

func isProtoLabel(l string) bool {
	l = strings.ToLower(l)
	return l == "_tcp" || l == "_udp"
}

func (i Instance) Validate() error {
	switch {
	case i.InstanceID == "":
		return errors.Wrap(ErrInvalidInstance, "empty instance name")
	case len(i.InstanceID) > 63:
		return errors.Wrapf(ErrInvalidInstance, "instance name %q longer than 63 bytes", i.InstanceID)
	case !utf8.ValidString(i.InstanceID):
		return errors.Wrapf(ErrInvalidInstance, "instance name %q is not UTF-8", i.InstanceID)
	case i.Port == 0:
		return errors.Wrapf(ErrInvalidInstance, "%s: no port", i.InstanceID)
	}
	if _, _, err := ParseServiceType(i.ServiceID + "." + i.Domain); err != nil {
		return err
	}
	for k, v := range i.Txt {
		if k == "" || strings.ContainsRune(k, '=') {
			return errors.Wrapf(ErrInvalidInstance, "bad TXT key %q", k)
		}
		for _, c := range []byte(k) {
			if c < 0x20 || c > 0x7e {
				return errors.Wrapf(ErrInvalidInstance, "bad TXT key %q", k)
			}
		}
		if len(k)+1+len(v) > maxTxtEntry {
			return errors.Wrapf(ErrInvalidInstance, "TXT entry %q too long", k)
		}
	}
	if _, err := i.Name(); err != nil {
		return errors.Wrapf(ErrInvalidInstance, "%v", err)
	}
	return nil
}

// ServiceName is the name browsers look up: "_http._tcp.local".
func (i Instance) ServiceName() (mdns.DomainName, error) {
	return mdns.ParseDomainName(i.ServiceID + "." + i.Domain)
}

// Name is the instance's full name: "printer._http._tcp.local".
func (i Instance) Name() (mdns.DomainName, error) {
	service, err := i.ServiceName()
	if err != nil {
		return mdns.DomainName{}, err
	}
	return service.Prepend(i.InstanceID)
}

// TxtStrings renders Txt as sorted "key=value" strings.
func (i Instance) TxtStrings() []string {
	txt := make([]string, 0, len(i.Txt))
	for k, v := range i.Txt {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}

func (i Instance) String() string {
	return fmt.Sprintf("%s.%s.%s:%d", i.InstanceID, i.ServiceID, i.Domain, i.Port)
}

func cloneTxt(txt map[string]string) map[string]string {
	if txt == nil {
		return nil
	}
	c := make(map[string]string, len(txt))
	for k, v := range txt {
		c[k] = v
	}
	return c
}

// Endpoint is a published Instance. Only InstanceID may differ from what
// was registered, when probing had to rename it.
type Endpoint struct {
	Instance
	Name      mdns.DomainName
	Host      mdns.DomainName
	Addresses []net.IP
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s -> %s:%d", e.Name, e.Host, e.Port)
}
