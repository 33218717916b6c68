// Package uri resolves device URIs of the form scheme://authority/path?k=v
// into typed backend descriptors. It is the system boundary for every
// component that names a backend device: pool base-bdevs, nexus children,
// and CSI volume contexts all carry one of these URIs.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// Scheme identifies a recognized backend device scheme.
type Scheme string

const (
	SchemeAio      Scheme = "aio"
	SchemeUring    Scheme = "uring"
	SchemeIscsi    Scheme = "iscsi"
	SchemeNvmf     Scheme = "nvmf"
	SchemeLoopback Scheme = "loopback"
	SchemeBdev     Scheme = "bdev"
)

// DefaultBlockSize is used when a URI omits blk_size.
const DefaultBlockSize = 512

// DeviceURI is the parsed, typed form of a device URI.
type DeviceURI struct {
	Scheme Scheme
	Raw    string

	// Path is the stable bdev name: the local file path for aio/uring,
	// the bdev name for loopback/bdev, the LUN for iscsi, the NQN for nvmf.
	Path string

	Host string // iscsi, nvmf only
	Port int    // iscsi, nvmf only
	IQN  string // iscsi only

	BlockSize uint32
	UUID      string

	// Uring marks a uring:// URI, which is presently handled as an alias
	// of aio with direct I/O until the uring kernel backend lands.
	Uring bool
}

// Name returns the stable bdev name this URI resolves to.
func (d *DeviceURI) Name() string {
	switch d.Scheme {
	case SchemeIscsi:
		return fmt.Sprintf("%s:%s", d.Host, d.IQN)
	case SchemeNvmf:
		return d.Path
	default:
		return d.Path
	}
}

// Parse parses a device URI string into a DeviceURI.
//
// Recognized schemes: aio, uring (alias of aio), iscsi, nvmf, loopback,
// bdev (legacy alias of loopback). Unknown query parameters are logged and
// dropped rather than rejected, matching the tolerant-parsing contract of
// the rest of this system's URI consumers.
func Parse(raw string) (*DeviceURI, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty uri", utils.ErrUriInvalid)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", utils.ErrUriInvalid, raw, err)
	}

	d := &DeviceURI{Raw: raw}

	switch strings.ToLower(u.Scheme) {
	case string(SchemeAio):
		d.Scheme = SchemeAio
	case string(SchemeUring):
		d.Scheme = SchemeUring
		d.Uring = true
	case string(SchemeIscsi):
		d.Scheme = SchemeIscsi
	case string(SchemeNvmf):
		d.Scheme = SchemeNvmf
	case string(SchemeLoopback):
		d.Scheme = SchemeLoopback
	case string(SchemeBdev):
		d.Scheme = SchemeBdev
	default:
		return nil, fmt.Errorf("%w: %s", utils.ErrUnsupportedScheme, u.Scheme)
	}

	if err := parseQuery(d, u.Query()); err != nil {
		return nil, err
	}

	switch d.Scheme {
	case SchemeAio, SchemeUring:
		if u.Path == "" {
			return nil, fmt.Errorf("%w: %s requires an absolute path", utils.ErrUriInvalid, u.Scheme)
		}
		d.Path = u.Path
	case SchemeLoopback, SchemeBdev:
		name := strings.TrimPrefix(u.Path, "/")
		if name == "" {
			return nil, fmt.Errorf("%w: %s requires a bdev name", utils.ErrUriInvalid, u.Scheme)
		}
		d.Path = name
	case SchemeIscsi:
		if err := parseHostPort(d, u); err != nil {
			return nil, err
		}
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: iscsi uri requires /<iqn>/<lun>: %s", utils.ErrUriInvalid, raw)
		}
		d.IQN = parts[0]
		d.Path = parts[1]
	case SchemeNvmf:
		if err := parseHostPort(d, u); err != nil {
			return nil, err
		}
		nqn := strings.TrimPrefix(u.Path, "/")
		if nqn == "" {
			return nil, fmt.Errorf("%w: nvmf uri requires an nqn: %s", utils.ErrUriInvalid, raw)
		}
		d.Path = nqn
	}

	return d, nil
}

func parseHostPort(d *DeviceURI, u *url.URL) error {
	if u.Hostname() == "" {
		return fmt.Errorf("%w: %s uri requires a host", utils.ErrUriInvalid, u.Scheme)
	}
	d.Host = u.Hostname()

	if u.Port() == "" {
		return fmt.Errorf("%w: %s uri requires a port", utils.ErrUriInvalid, u.Scheme)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return fmt.Errorf("%w: invalid port %q", utils.ErrUriInvalid, u.Port())
	}
	d.Port = port
	return nil
}

func parseQuery(d *DeviceURI, values url.Values) error {
	d.BlockSize = DefaultBlockSize

	for key, vals := range values {
		val := ""
		if len(vals) > 0 {
			val = vals[0]
		}

		switch key {
		case "blk_size":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: invalid blk_size %q", utils.ErrIntParamParse, val)
			}
			d.BlockSize = uint32(n)
		case "uuid":
			if _, err := uuid.Parse(val); err != nil {
				return fmt.Errorf("%w: invalid uuid %q", utils.ErrUuidParamParse, val)
			}
			d.UUID = val
		default:
			klog.V(2).Infof("uri: ignoring unknown query parameter %q=%q in %s", key, val, d.Raw)
		}
	}

	return nil
}

// String reconstructs a canonical URI string for this descriptor.
func (d *DeviceURI) String() string {
	q := url.Values{}
	if d.BlockSize != 0 {
		q.Set("blk_size", strconv.FormatUint(uint64(d.BlockSize), 10))
	}
	if d.UUID != "" {
		q.Set("uuid", d.UUID)
	}

	var authority, path string
	switch d.Scheme {
	case SchemeIscsi, SchemeNvmf:
		authority = fmt.Sprintf("%s:%d", d.Host, d.Port)
		if d.Scheme == SchemeIscsi {
			path = "/" + d.IQN + "/" + d.Path
		} else {
			path = "/" + d.Path
		}
	case SchemeLoopback, SchemeBdev:
		path = "/" + d.Path
	default:
		path = d.Path
	}

	u := url.URL{Scheme: string(d.Scheme), Host: authority, Path: path}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
