// Package project holds the Project entity and its flake generation.
package project

import (
	"fmt"
	"regexp"
	"strings"
)

// NameRegexp validates a project name: a lowercase DNS-label-like string.
var NameRegexp = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?$`)

// AccountAssociation is the optional Farcaster-style ownership proof
// attached to a project.
type AccountAssociation struct {
	Header    string `json:"header"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// BaseBuild restricts which addresses may call into a project's base build.
type BaseBuild struct {
	AllowedAddresses []string `json:"allowed_addresses"`
}

// Project is the durable record for one mini-app.
type Project struct {
	ID                 int
	Name               string
	Owner              string
	AccountAssociation *AccountAssociation
	BaseBuild          *BaseBuild
	Version            *string
	NFTMinted          bool
	NFTTxHash          *string
}

// GetNetwork reports the network a deployed mini-app container should join.
// Unlike the coder/imagegen containers (fixed to "containernet" so they can
// reach each other), a finished mini-app runs on the host's default network
// and needs no override.
func (p Project) GetNetwork() string {
	return ""
}

// ValidName reports whether name satisfies NameRegexp.
func ValidName(name string) bool {
	return NameRegexp.MatchString(name)
}

// GetFlake renders the Nix flake expression that pins this project's
// source version and host-side options. It's a pure function of the
// project row: optional fields render as empty placeholders rather than
// being omitted, so the flake shape never changes across projects.
func (p Project) GetFlake() string {
	source := fmt.Sprintf("github:openxai-network/mini-app-template/%s", p.Name)
	if p.Version != nil && *p.Version != "" {
		source = fmt.Sprintf("%s/%s", source, *p.Version)
	}

	var header, payload, signature string
	if p.AccountAssociation != nil {
		header = p.AccountAssociation.Header
		payload = p.AccountAssociation.Payload
		signature = p.AccountAssociation.Signature
	}

	var allowed string
	if p.BaseBuild != nil {
		quoted := make([]string, len(p.BaseBuild.AllowedAddresses))
		for i, addr := range p.BaseBuild.AllowedAddresses {
			quoted[i] = fmt.Sprintf("%q", addr)
		}
		allowed = strings.Join(quoted, " ")
	}

	return fmt.Sprintf(`{
  inputs.source.url = "%s";
  name = %q;
  accountAssociation = {
    header = %q;
    payload = %q;
    signature = %q;
  };
  baseBuild.allowedAddresses = [ %s ];
}`, source, p.Name, header, payload, signature, allowed)
}
