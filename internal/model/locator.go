package model

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
)

type DataNature string

const (
	NatureBinary DataNature = "binary"
	NatureText   DataNature = "text"

	CharsetUTF8 = "UTF-8"
)

// LocatorKey is the comparable identity of a Locator.
type LocatorKey struct {
	Node         NodeKey
	SubDirectory string
	FileName     string
}

// Locator addresses a resource on a node: either a working directory
// (FileName is empty) or a file inside of it.
type Locator struct {
	Node         NodeKey
	SubDirectory string
	FileName     string
	Nature       DataNature
	Charset      string
}

// DirLocator returns a locator of a working directory on a node.
func DirLocator(node NodeKey, subdir string) Locator {
	return Locator{Node: node, SubDirectory: subdir}
}

func (l Locator) Key() LocatorKey {
	return LocatorKey{Node: l.Node, SubDirectory: l.SubDirectory, FileName: l.FileName}
}

// Dir is the absolute path of the working directory on the node.
func (l Locator) Dir() string {
	return l.Node.Directory + l.SubDirectory
}

// Path is the absolute path of the addressed resource on the node.
func (l Locator) Path() string {
	if l.FileName == "" {
		return l.Dir()
	}
	return path.Join(l.Dir(), l.FileName)
}

// String renders ssh://host:port/path, which is also the format
// understood by ParseLocator.
func (l Locator) String() string {
	return "ssh://" + l.Node.Addr() + l.Path()
}

// ParseLocator reads the ssh://host:port/path form. The path is split at the
// final separator: everything before becomes the base directory of the node
// and the rest the subdirectory. File locators therefore do not round trip,
// directory locators do, see ParseFileLocator.
func ParseLocator(s string) (Locator, error) {
	host, port, p, err := parseSSH(s)
	if err != nil {
		return Locator{}, err
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return Locator{}, fmt.Errorf("parsing locator %q: missing path", s)
	}
	node := NodeKey{Host: host, Port: port, Directory: p[:i+1]}
	return DirLocator(node, p[i+1:]), nil
}

// ParseFileLocator reads a file locator of one of nodes. The node is the
// one with the same address and the longest base directory containing the
// path, the first path segment after it is the subdirectory.
func ParseFileLocator(s string, nodes []NodeKey) (Locator, error) {
	host, port, p, err := parseSSH(s)
	if err != nil {
		return Locator{}, err
	}
	var node NodeKey
	var found bool
	for _, n := range nodes {
		if n.Host != host || n.Port != port || !strings.HasPrefix(p, n.Directory) {
			continue
		}
		if !found || len(n.Directory) > len(node.Directory) {
			node, found = n, true
		}
	}
	if !found {
		return Locator{}, fmt.Errorf("parsing locator %q: %w", s, ErrUnknownNode)
	}
	subdir, file, _ := strings.Cut(strings.TrimPrefix(p, node.Directory), "/")
	if subdir == "" || file == "" {
		return Locator{}, fmt.Errorf("parsing locator %q: expected <directory>/<subdirectory>/<file>", s)
	}
	return Locator{Node: node, SubDirectory: subdir, FileName: file}, nil
}

func parseSSH(s string) (host string, port int, p string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", 0, "", fmt.Errorf("parsing locator %q: %w", s, err)
	}
	if u.Scheme != "ssh" {
		return "", 0, "", fmt.Errorf("parsing locator %q: unsupported scheme %q", s, u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		portStr = ""
	}
	if host == "" {
		return "", 0, "", fmt.Errorf("parsing locator %q: missing host", s)
	}
	port = DefaultSSHPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return "", 0, "", fmt.Errorf("parsing locator %q: invalid port: %w", s, err)
		}
	}
	return host, port, u.Path, nil
}
