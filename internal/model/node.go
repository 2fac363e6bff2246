package model

import (
	"net"
	"strconv"
	"strings"
)

const (
	DefaultSSHPort   = 22
	DefaultDirectory = "/tmp/"
	LocalHost        = "localhost"
)

// Substitution tokens understood by link and copy command templates.
const (
	TokenPathToOriginal = "PATH_TO_ORIGINAL"
	TokenTargetName     = "TARGET_NAME"
	TokenPathToTarget   = "PATH_TO_TARGET"
)

// NodeKey is the identity of a Node. Two nodes are the same node when host,
// port and base directory match, whatever their command templates are.
type NodeKey struct {
	Host      string
	Port      int
	Directory string
}

func (k NodeKey) Addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// URL returns ssh://host:port/base/dir without the trailing slash.
func (k NodeKey) URL() string {
	return "ssh://" + k.Addr() + strings.TrimSuffix(k.Directory, "/")
}

func (k NodeKey) String() string {
	return k.URL()
}

// Node is a remote execution host with a base working directory. The zero
// value is not usable, construct it with NewNode.
type Node struct {
	Host      string
	Port      int
	Directory string

	// LinkCommand and CopyCommand are shell templates used to stage data which
	// is already present on the node. They may use %%PATH_TO_ORIGINAL%%,
	// %%TARGET_NAME%% and %%PATH_TO_TARGET%%.
	LinkCommand string
	CopyCommand string

	// RetrieveData makes the invocation download outputs eagerly and delete
	// its working directory right after the results are fetched.
	RetrieveData bool
}

// NewNode returns a Node with defaults applied: port 22 and /tmp/ as a
// base directory. Directory always ends with a slash.
func NewNode(host string, port int, directory string) Node {
	n := Node{Host: host, Port: port, Directory: directory}
	return n.normalize()
}

func (n Node) normalize() Node {
	if n.Port <= 0 {
		n.Port = DefaultSSHPort
	}
	if n.Directory == "" {
		n.Directory = DefaultDirectory
	}
	if !strings.HasSuffix(n.Directory, "/") {
		n.Directory += "/"
	}
	return n
}

func (n Node) Key() NodeKey {
	n = n.normalize()
	return NodeKey{Host: n.Host, Port: n.Port, Directory: n.Directory}
}

func (n Node) Addr() string {
	return n.Key().Addr()
}

func (n Node) URL() string {
	return n.Key().URL()
}

func (n Node) String() string {
	return n.URL()
}
