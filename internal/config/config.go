// Package config loads and validates the immutable per-UE
// configuration described in spec §6, and clones it per simulated UE
// instance with index-derived identifier increments.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// SessionType enumerates the supported PDU session types.
type SessionType string

const (
	SessionTypeIPv4       SessionType = "IPv4"
	SessionTypeIPv6       SessionType = "IPv6"
	SessionTypeIPv4v6     SessionType = "IPv4v6"
	SessionTypeEthernet   SessionType = "Ethernet"
	SessionTypeUnstruct   SessionType = "Unstructured"
)

func (t SessionType) valid() bool {
	switch t {
	case SessionTypeIPv4, SessionTypeIPv6, SessionTypeIPv4v6, SessionTypeEthernet, SessionTypeUnstruct:
		return true
	}
	return false
}

// SessionTemplate describes one configured PDU session.
type SessionTemplate struct {
	APN     string      `yaml:"apn"`
	SNSSAI  string      `yaml:"sNssai"`
	Type    SessionType `yaml:"type"`
}

// GnbEndpoint is one candidate search-space entry.
type GnbEndpoint struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

func (g GnbEndpoint) resolve() (net.Addr, error) {
	ip := net.ParseIP(g.Address)
	if ip == nil {
		return nil, fmt.Errorf("config: invalid gnb address %q", g.Address)
	}
	return &net.UDPAddr{IP: ip, Port: g.Port}, nil
}

// File is the root YAML document for one UE node (or a template shared
// across -n instances).
type File struct {
	NodeName       string            `yaml:"nodeName"`
	SUPI           string            `yaml:"supi"`
	IMEI           string            `yaml:"imei"`
	IMEISV         string            `yaml:"imeiSv"`
	HomePLMN       string            `yaml:"homePlmn"`
	GNBSearchList  []GnbEndpoint     `yaml:"gnbSearchList"`
	SupportedAlgs  []string          `yaml:"supportedAlgs"`
	DefaultNSSAI   []string          `yaml:"defaultNssai"`
	ConfiguredNSSAI []string         `yaml:"configuredNssai"`
	Sessions       []SessionTemplate `yaml:"sessions"`
	OPType         string            `yaml:"opType"`
	OPValue        string            `yaml:"opValue"`
	UAC            UACParams         `yaml:"uac"`
}

// UACParams is the unified access control configuration.
type UACParams struct {
	EAB      bool `yaml:"eab"`
	Category string `yaml:"category,omitempty"`
}

// UE is the validated, immutable per-instance configuration the core
// consumes. It is built from a File plus an instance index.
type UE struct {
	NodeName      string
	SUPI          string
	IMEI          string
	IMEISV        string
	HomePLMN      string
	SearchSpace   []net.Addr
	Sessions      []SessionTemplate
	OPType        string
	OPValue       string
	UAC           UACParams
}

// Load reads and strictly validates a YAML configuration file.
// Validation failures are fatal at startup per spec §7 — the caller is
// expected to abort the process on error.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.NodeName == "" {
		return fmt.Errorf("nodeName is required")
	}
	if len(f.GNBSearchList) == 0 {
		return fmt.Errorf("gnbSearchList must not be empty")
	}
	switch f.OPType {
	case "OP", "OPC":
	default:
		return fmt.Errorf("invalid opType %q: must be OP or OPC", f.OPType)
	}
	for _, s := range f.Sessions {
		if !s.Type.valid() {
			return fmt.Errorf("invalid session type %q", s.Type)
		}
	}
	return nil
}

// Instantiate clones f for the index-th simulated UE (0-based),
// deriving a unique node name, IMSI-family identifier and IMEI-SV by
// decimal string increment, per design note §9.
func (f *File) Instantiate(index int) (*UE, error) {
	u := &UE{
		NodeName: f.NodeName,
		SUPI:     f.SUPI,
		IMEI:     f.IMEI,
		IMEISV:   f.IMEISV,
		HomePLMN: f.HomePLMN,
		Sessions: append([]SessionTemplate(nil), f.Sessions...),
		OPType:   f.OPType,
		OPValue:  f.OPValue,
		UAC:      f.UAC,
	}
	if index > 0 {
		u.NodeName = fmt.Sprintf("%s-%d", f.NodeName, index)
		var err error
		u.SUPI, err = incrementDecimalSuffix(f.SUPI, index)
		if err != nil {
			return nil, fmt.Errorf("config: incrementing supi: %w", err)
		}
		u.IMEISV, err = incrementDecimalSuffix(f.IMEISV, index)
		if err != nil {
			return nil, fmt.Errorf("config: incrementing imeiSv: %w", err)
		}
	}

	for _, g := range f.GNBSearchList {
		addr, err := g.resolve()
		if err != nil {
			return nil, err
		}
		u.SearchSpace = append(u.SearchSpace, addr)
	}
	return u, nil
}

// incrementDecimalSuffix adds delta to the decimal digit run at the end
// of id, preserving its length and leading zeros via digit-array
// addition, and leaves a leading non-digit prefix (e.g. the "imsi-"
// SUPI scheme) untouched. Any non-digit character after that leading
// prefix is rejected outright, so a form like "12a4" is not mistaken
// for a numeric id with a short suffix. String arithmetic is required
// because IMSI/IMEI-SV values overflow a 64-bit integer and must never
// lose leading zeros (design note §9).
func incrementDecimalSuffix(id string, delta int) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty identifier")
	}
	split := 0
	for split < len(id) && (id[split] < '0' || id[split] > '9') {
		split++
	}
	prefix, suffix := id[:split], id[split:]
	if suffix == "" {
		return "", fmt.Errorf("non-decimal identifier %q", id)
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("non-decimal identifier %q", id)
		}
	}

	digits := make([]int, len(suffix))
	for i, c := range suffix {
		digits[i] = int(c - '0')
	}

	carry := delta
	for i := len(digits) - 1; i >= 0 && carry > 0; i-- {
		sum := digits[i] + carry%10
		carry = carry/10 + sum/10
		digits[i] = sum % 10
	}
	if carry > 0 {
		return "", fmt.Errorf("identifier overflow incrementing %q by %d", id, delta)
	}

	out := make([]byte, len(digits))
	for i, d := range digits {
		out[i] = byte('0' + d)
	}
	return prefix + string(out), nil
}
