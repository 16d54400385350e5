package agent

import "context"

// ProcessCommand is the action requested of process.execute.
type ProcessCommand string

const (
	ProcessStart   ProcessCommand = "Start"
	ProcessRestart ProcessCommand = "Restart"
	ProcessStop    ProcessCommand = "Stop"
)

// Permission is one entry of a file.set_permissions request: an access
// class (owner/group/other) paired with its rwx bits.
type Permission struct {
	Class string `json:"class"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
	Exec  bool   `json:"exec"`
}

// Permission classes, matching spec.md §4.4's {owner, group, any} triple.
const (
	PermOwner = "owner"
	PermGroup = "group"
	PermAny   = "any"
)

// ReadOnlyForOwner is the {owner: r--, group: ---, any: ---} permission
// set the fleet manager applies to the pushed SSH key.
func ReadOnlyForOwner() []Permission {
	return []Permission{
		{Class: PermOwner, Read: true},
		{Class: PermGroup},
		{Class: PermAny},
	}
}

// ReadWriteForOwner is the {owner: rw-, group: ---, any: ---} permission
// set the dispatcher applies to the coder assignment file.
func ReadWriteForOwner() []Permission {
	return []Permission{
		{Class: PermOwner, Read: true, Write: true},
		{Class: PermGroup},
		{Class: PermAny},
	}
}

type configSetParams struct {
	Container    string   `json:"container"`
	Settings     Settings `json:"settings"`
	UpdateInputs []string `json:"update_inputs,omitempty"`
}

// Settings is the nested {flake, network?, nvidia_gpus?} object inside a
// config.set request.
type Settings struct {
	Flake      string `json:"flake"`
	Network    string `json:"network,omitempty"`
	NvidiaGPUs []int  `json:"nvidia_gpus,omitempty"`
}

type requestIDResponse struct {
	RequestID uint32 `json:"request_id"`
}

// ConfigSet requests a container reconfiguration and returns the agent's
// request id for later polling via RequestInfo.
func (s *Session) ConfigSet(ctx context.Context, container string, settings Settings, updateInputs []string) (uint32, error) {
	var resp requestIDResponse
	err := s.call(ctx, "config.set", configSetParams{
		Container:    container,
		Settings:     settings,
		UpdateInputs: updateInputs,
	}, &resp)
	return resp.RequestID, err
}

// OSSetParams is the optional field set of an os.set request.
type OSSetParams struct {
	Flake        *string `json:"flake,omitempty"`
	UpdateInputs *bool   `json:"update_inputs,omitempty"`
	XnodeOwner   *string `json:"xnode_owner,omitempty"`
	Domain       *string `json:"domain,omitempty"`
	ACMEEmail    *string `json:"acme_email,omitempty"`
	UserPasswd   *string `json:"user_passwd,omitempty"`
}

// OSSet reconfigures the host OS of the scope's machine.
func (s *Session) OSSet(ctx context.Context, p OSSetParams) error {
	return s.call(ctx, "os.set", p, nil)
}

type scopedPathParams struct {
	Scope      string `json:"scope"`
	MakeParent bool   `json:"make_parent,omitempty"`
	Path       string `json:"path"`
}

// CreateDirectory creates path under scope, optionally creating parents.
func (s *Session) CreateDirectory(ctx context.Context, scope, path string, makeParent bool) error {
	return s.call(ctx, "file.create_directory", scopedPathParams{Scope: scope, MakeParent: makeParent, Path: path}, nil)
}

type writeFileParams struct {
	Scope   string `json:"scope"`
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// WriteFile writes content to path under scope.
func (s *Session) WriteFile(ctx context.Context, scope, path string, content []byte) error {
	return s.call(ctx, "file.write_file", writeFileParams{Scope: scope, Path: path, Content: content}, nil)
}

type readFileParams struct {
	Scope string `json:"scope"`
	Path  string `json:"path"`
}

// FileContent is the union returned by file.read_file: either UTF-8 text
// or raw bytes, mirroring spec.md §4.2's `{content: UTF8|Bytes}`.
type FileContent struct {
	UTF8  string `json:"utf8,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

// Data returns the content as a byte slice regardless of which variant the
// agent returned.
func (c FileContent) Data() []byte {
	if c.UTF8 != "" {
		return []byte(c.UTF8)
	}
	return c.Bytes
}

type readFileResponse struct {
	Content FileContent `json:"content"`
}

// ReadFile reads path under scope.
func (s *Session) ReadFile(ctx context.Context, scope, path string) (FileContent, error) {
	var resp readFileResponse
	err := s.call(ctx, "file.read_file", readFileParams{Scope: scope, Path: path}, &resp)
	return resp.Content, err
}

type setPermissionsParams struct {
	Scope       string       `json:"scope"`
	Path        string       `json:"path"`
	OwnerID     *int         `json:"owner_id,omitempty"`
	GroupID     *int         `json:"group_id,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// SetPermissions applies permissions to path under scope, optionally
// chowning it to ownerID/groupID first (the ids the fleet manager resolves
// via Users/Groups before pushing the SSH key, spec.md §4.4 step 1.S2.c).
func (s *Session) SetPermissions(ctx context.Context, scope, path string, ownerID, groupID *int, permissions []Permission) error {
	return s.call(ctx, "file.set_permissions", setPermissionsParams{
		Scope: scope, Path: path, OwnerID: ownerID, GroupID: groupID, Permissions: permissions,
	}, nil)
}

// NamedID is one {id, name} entry returned by info.users / info.groups.
type NamedID struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type scopeParams struct {
	Scope string `json:"scope"`
}

type namedIDListResponse struct {
	Users  []NamedID `json:"users,omitempty"`
	Groups []NamedID `json:"groups,omitempty"`
}

// Users lists the scope's system users.
func (s *Session) Users(ctx context.Context, scope string) ([]NamedID, error) {
	var resp namedIDListResponse
	err := s.call(ctx, "info.users", scopeParams{Scope: scope}, &resp)
	return resp.Users, err
}

// Groups lists the scope's system groups.
func (s *Session) Groups(ctx context.Context, scope string) ([]NamedID, error) {
	var resp namedIDListResponse
	err := s.call(ctx, "info.groups", scopeParams{Scope: scope}, &resp)
	return resp.Groups, err
}

// FindByName looks up the entry named name in a list returned by Users or
// Groups, matching the fleet manager's "resolve user/group id by service
// user name" step (spec.md §4.4 step 1.S2.c).
func FindByName(entries []NamedID, name string) (NamedID, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return NamedID{}, false
}

// Process is one entry returned by process.list.
type Process struct {
	Name string `json:"name"`
}

type processListResponse struct {
	Processes []Process `json:"processes"`
}

// ProcessList lists running processes in scope.
func (s *Session) ProcessList(ctx context.Context, scope string) ([]Process, error) {
	var resp processListResponse
	err := s.call(ctx, "process.list", scopeParams{Scope: scope}, &resp)
	return resp.Processes, err
}

// HasProcess reports whether a process named name is present in processes.
func HasProcess(processes []Process, name string) bool {
	for _, p := range processes {
		if p.Name == name {
			return true
		}
	}
	return false
}

type processExecuteParams struct {
	Scope   string         `json:"scope"`
	Process string         `json:"process"`
	Command ProcessCommand `json:"command"`
}

// ProcessExecute issues a start/restart/stop command against a named
// process in scope. Unlike every other operation in this client, this one
// is not idempotent (spec.md §4.2).
func (s *Session) ProcessExecute(ctx context.Context, scope, process string, command ProcessCommand) error {
	return s.call(ctx, "process.execute", processExecuteParams{Scope: scope, Process: process, Command: command}, nil)
}

// RequestStatus is the state of a previously issued config.set/os.set
// request, as reported by request.request_info.
type RequestStatus string

const (
	RequestPending RequestStatus = "None"
	RequestSuccess RequestStatus = "Success"
	RequestFailure RequestStatus = "Failure"
)

// RequestResult is the decoded response of request.request_info.
type RequestResult struct {
	Status RequestStatus `json:"status"`
	Body   string        `json:"body,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

type requestInfoParams struct {
	RequestID uint32 `json:"request_id"`
}

// RequestInfo polls the outcome of a previously issued request id.
func (s *Session) RequestInfo(ctx context.Context, requestID uint32) (RequestResult, error) {
	var resp RequestResult
	err := s.call(ctx, "request.request_info", requestInfoParams{RequestID: requestID}, &resp)
	return resp, err
}
