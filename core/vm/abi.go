package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoMethods is returned when a deployed contract declares nothing callable.
var ErrNoMethods = errors.New("contract declares no methods")

// Method describes one callable entry of a contract.
type Method struct {
	Name    string `json:"name"`
	View    bool   `json:"view"`
	Payable bool   `json:"payable"`
	Arity   int    `json:"arity"`
}

// ABI is the callable surface recorded at deployment.
type ABI struct {
	Methods []Method `json:"methods"`
}

// Get returns the named method, or nil.
func (a *ABI) Get(name string) *Method {
	for i := range a.Methods {
		if a.Methods[i].Name == name {
			return &a.Methods[i]
		}
	}
	return nil
}

// Encode renders the ABI as JSON.
func (a *ABI) Encode() string {
	out, _ := json.Marshal(a)
	return string(out)
}

// DecodeABI parses a stored ABI.
func DecodeABI(raw string) (*ABI, error) {
	var a ABI
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("invalid abi: %v", err)
	}
	return &a, nil
}

// Top-level function declarations; pragma comments on the preceding lines
// mark view and payable methods:
//
//	// @view
//	function balanceOfUser(addr) { ... }
var (
	functionRe = regexp.MustCompile(`(?m)^\s*function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(([^)]*)\)`)
	pragmaRe   = regexp.MustCompile(`//\s*@(view|payable)\b`)
)

// ExtractABI scans contract source for its callable surface. Underscore
// prefixed functions are private by convention and excluded.
func ExtractABI(code string) (*ABI, error) {
	matches := functionRe.FindAllStringSubmatchIndex(code, -1)
	if len(matches) == 0 {
		return nil, ErrNoMethods
	}
	abi := &ABI{}
	for _, m := range matches {
		name := code[m[2]:m[3]]
		if strings.HasPrefix(name, "_") {
			continue
		}
		paramSrc := strings.TrimSpace(code[m[4]:m[5]])
		arity := 0
		if paramSrc != "" {
			arity = len(strings.Split(paramSrc, ","))
		}
		method := Method{Name: name, Arity: arity}
		for _, pragma := range pragmaRe.FindAllStringSubmatch(precedingComment(code, m[0]), -1) {
			switch pragma[1] {
			case "view":
				method.View = true
			case "payable":
				method.Payable = true
			}
		}
		abi.Methods = append(abi.Methods, method)
	}
	if len(abi.Methods) == 0 {
		return nil, ErrNoMethods
	}
	return abi, nil
}

// precedingComment returns the comment lines directly above a declaration.
func precedingComment(code string, declStart int) string {
	lines := strings.Split(code[:declStart], "\n")
	var comment []string
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" && len(comment) == 0 {
			continue
		}
		if strings.HasPrefix(line, "//") {
			comment = append([]string{line}, comment...)
			continue
		}
		break
	}
	return strings.Join(comment, "\n")
}
