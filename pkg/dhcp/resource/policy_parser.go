package resource

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

const (
	policyKeyName     = "name"
	policyKeyPolicies = "policies"
	policyKeyOptions  = "options"

	matchPrefix = "match-"
	applyPrefix = "apply-"

	matchKeySubnet          = "match-subnet"
	matchKeyHardwareAddress = "match-hardware-address"
	applyKeyAddress         = "apply-address"
	applyKeySubnet          = "apply-subnet"
	applyKeyRange           = "apply-range"
)

var optionTypeNames = map[string]OptionType{
	"string":           OptionTypeString,
	"integer":          OptionTypeInteger,
	"boolean":          OptionTypeBoolean,
	"ipv4":             OptionTypeIPv4,
	"ipv4-list":        OptionTypeIPv4List,
	"duration":         OptionTypeDuration,
	"hardware-address": OptionTypeHardwareAddress,
}

type customOption struct {
	Code  int    `yaml:"code"`
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Width int    `yaml:"width"`
}

type addressRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ParsePolicies parses a policy document into the root sibling list. Custom
// option definitions in the document are registered into registry first so
// the policies below can use them. A reload should pass a Clone of the
// serving registry, a failed parse leaves the clone half populated.
func ParsePolicies(data []byte, registry *OptionRegistry) ([]*Policy, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errorno.ErrInvalidPolicy(errorno.ErrNameFile, "", err.Error())
	}

	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errorno.ErrInvalidPolicy(errorno.ErrNameFile, "", "document should be a mapping")
	}

	var policiesNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i].Value, root.Content[i+1]
		switch key {
		case policyKeyOptions:
			if err := registerCustomOptions(value, registry); err != nil {
				return nil, err
			}
		case policyKeyPolicies:
			policiesNode = value
		default:
			return nil, errorno.ErrInvalidPolicy(errorno.ErrNameFile, key, "unknown key")
		}
	}

	if policiesNode == nil {
		return nil, nil
	}

	return parsePolicyList(policiesNode, registry, "")
}

func registerCustomOptions(node *yaml.Node, registry *OptionRegistry) error {
	var options []customOption
	if err := node.Decode(&options); err != nil {
		return errorno.ErrInvalidPolicy(errorno.ErrNameOption, "", err.Error())
	}

	for _, opt := range options {
		typ, ok := optionTypeNames[opt.Type]
		if !ok {
			return errorno.ErrInvalidPolicy(errorno.ErrNameOption, opt.Name, "unknown type "+opt.Type)
		}

		if opt.Code <= 0 || opt.Code >= 255 {
			return errorno.ErrInvalidPolicy(errorno.ErrNameOptionCode, opt.Code, "should in range 1-254")
		}

		if def, ok := registry.Lookup(OptionID(opt.Code)); ok && def.Name == opt.Name && def.Type == typ {
			continue
		}

		if err := registry.Register(OptionDefinition{
			ID:    OptionID(opt.Code),
			Name:  opt.Name,
			Type:  typ,
			Width: opt.Width,
		}); err != nil {
			return err
		}
	}

	return nil
}

func parsePolicyList(node *yaml.Node, registry *OptionRegistry, path string) ([]*Policy, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, errorno.ErrInvalidPolicy(errorno.ErrNamePolicy, pathOrRoot(path), "policies should be a list")
	}

	policies := make([]*Policy, 0, len(node.Content))
	for i, child := range node.Content {
		childPath := strconv.Itoa(i)
		if path != "" {
			childPath = path + "." + childPath
		}

		policy, err := parsePolicy(child, registry, childPath)
		if err != nil {
			return nil, err
		}

		policies = append(policies, policy)
	}

	return policies, nil
}

func parsePolicy(node *yaml.Node, registry *OptionRegistry, path string) (*Policy, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errorno.ErrInvalidPolicy(errorno.ErrNamePolicy, path, "policy should be a mapping")
	}

	policy := &Policy{Options: make(map[OptionID]OptionValue)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		var err error
		switch {
		case key == policyKeyName:
			policy.Name = value.Value
			err = util.ValidateStrings(util.RegexpTypeCommon, policy.Name)
		case key == policyKeyPolicies:
			policy.Policies, err = parsePolicyList(value, registry, path)
		case key == matchKeySubnet:
			err = policy.parseMatchSubnet(value)
		case key == matchKeyHardwareAddress:
			err = policy.parseMatchHardwareAddress(value)
		case key == applyKeyAddress:
			err = policy.parseApplyAddress(value)
		case key == applyKeySubnet:
			err = policy.parseApplySubnet(value)
		case key == applyKeyRange:
			err = policy.parseApplyRange(value)
		case strings.HasPrefix(key, matchPrefix):
			err = policy.parseMatchOption(strings.TrimPrefix(key, matchPrefix), value, registry)
		case strings.HasPrefix(key, applyPrefix):
			err = policy.parseApplyOption(strings.TrimPrefix(key, applyPrefix), value, registry)
		default:
			err = errorno.ErrInvalidPolicy(errorno.ErrNamePolicy, path, "unknown key "+key)
		}

		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", pathOrRoot(path), err)
		}
	}

	return policy, nil
}

func pathOrRoot(path string) string {
	if path == "" {
		return "root"
	}
	return path
}

func (p *Policy) parseMatchSubnet(node *yaml.Node) error {
	prefix, err := util.ParsePrefixV4(node.Value)
	if err != nil {
		return err
	}

	p.Matches = append(p.Matches, MatchSubnet(prefix))
	return nil
}

func (p *Policy) parseMatchHardwareAddress(node *yaml.Node) error {
	hw, err := util.ParseMac(node.Value)
	if err != nil {
		return err
	}

	p.Matches = append(p.Matches, MatchHardwareAddress(hw))
	return nil
}

func (p *Policy) parseMatchOption(name string, node *yaml.Node, registry *OptionRegistry) error {
	def, value, err := decodeOption(name, node, registry)
	if err != nil {
		return err
	}

	p.Matches = append(p.Matches, MatchOptionEquals(def.ID, value))
	return nil
}

func (p *Policy) parseApplyOption(name string, node *yaml.Node, registry *OptionRegistry) error {
	def, value, err := decodeOption(name, node, registry)
	if err != nil {
		return err
	}

	p.Options[def.ID] = value
	return nil
}

func decodeOption(name string, node *yaml.Node, registry *OptionRegistry) (OptionDefinition, OptionValue, error) {
	def, ok := registry.LookupName(name)
	if !ok {
		return OptionDefinition{}, OptionValue{}, errorno.ErrUnknownOption(name)
	}

	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return OptionDefinition{}, OptionValue{}, errorno.ErrTypeMismatch(name, def.Type.String(), node.Value)
	}

	value, err := registry.ParseValue(def.ID, raw)
	return def, value, err
}

func scalarsOf(node *yaml.Node) []string {
	if node.Kind == yaml.SequenceNode {
		values := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			values = append(values, item.Value)
		}
		return values
	}

	return []string{node.Value}
}

func (p *Policy) parseApplyAddress(node *yaml.Node) error {
	for _, s := range scalarsOf(node) {
		ip, err := util.ParseIPv4(s)
		if err != nil {
			return err
		}

		p.Addresses = append(p.Addresses, SingleAddress(ip))
	}

	return nil
}

func (p *Policy) parseApplySubnet(node *yaml.Node) error {
	for _, s := range scalarsOf(node) {
		prefix, err := util.ParsePrefixV4(s)
		if err != nil {
			return err
		}

		p.Addresses = append(p.Addresses, SubnetAddresses(prefix))
	}

	return nil
}

func (p *Policy) parseApplyRange(node *yaml.Node) error {
	var ranges []addressRange
	if node.Kind == yaml.SequenceNode {
		if err := node.Decode(&ranges); err != nil {
			return errorno.ErrInvalidPolicy(errorno.ErrNameRange, node.Value, err.Error())
		}
	} else {
		var r addressRange
		if err := node.Decode(&r); err != nil {
			return errorno.ErrInvalidPolicy(errorno.ErrNameRange, node.Value, err.Error())
		}
		ranges = append(ranges, r)
	}

	for _, r := range ranges {
		start, err := util.ParseIPv4(r.Start)
		if err != nil {
			return err
		}

		end, err := util.ParseIPv4(r.End)
		if err != nil {
			return err
		}

		if end.Less(start) {
			return errorno.ErrInvalidSubnet(r.Start+"-"+r.End, "range end is less than start")
		}

		p.Addresses = append(p.Addresses, RangeAddresses(start, end))
	}

	return nil
}
