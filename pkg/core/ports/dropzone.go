package ports

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Dropzone is the file interface shared with the ERP: exports are dropped in,
// ack files are picked up. WriteAtomic must make the file visible under its
// final name in one step; the ERP side watches the directory.
type Dropzone interface {
	WriteAtomic(dir, filename string, data []byte) error
	Exists(dir, filename string) (bool, error)
	List(dir string) ([]string, error)
	Read(dir, filename string) ([]byte, error)
	Move(fromDir, filename, toDir string) error
}

// FSDropzone is a locally mounted dropzone directory.
type FSDropzone struct {
	Root string
}

func NewFSDropzone(root string) *FSDropzone { return &FSDropzone{Root: root} }

// WriteAtomic writes to a dot-prefixed temp name and renames. Rename is atomic
// on POSIX filesystems, so the watcher never sees a partial file.
func (d *FSDropzone) WriteAtomic(dir, filename string, data []byte) error {
	target := filepath.Join(d.Root, dir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	tmp := filepath.Join(target, "."+filename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	final := filepath.Join(target, filename)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", final, err)
	}
	return nil
}

func (d *FSDropzone) Exists(dir, filename string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.Root, dir, filename))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d *FSDropzone) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.Root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *FSDropzone) Read(dir, filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Root, dir, filename))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", dir, filename, err)
	}
	return data, nil
}

func (d *FSDropzone) Move(fromDir, filename, toDir string) error {
	target := filepath.Join(d.Root, toDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	from := filepath.Join(d.Root, fromDir, filename)
	to := filepath.Join(target, filename)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move %s -> %s: %w", from, to, err)
	}
	return nil
}

// SFTPDropzone talks to a remote ERP dropzone over SFTP.
type SFTPDropzone struct {
	Root   string
	client *sftp.Client
	conn   *ssh.Client
}

// SFTPConfig carries the connection settings of one ERP connection.
type SFTPConfig struct {
	Addr          string // host:port
	User          string
	Password      string
	PrivateKeyPEM []byte
	HostKeyKnown  ssh.HostKeyCallback // nil falls back to InsecureIgnoreHostKey
	RootDir       string
}

// DialSFTP opens the SSH+SFTP session for a dropzone.
func DialSFTP(cfg SFTPConfig) (*SFTPDropzone, error) {
	var auth []ssh.AuthMethod
	if len(cfg.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse sftp key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	hostKey := cfg.HostKeyKnown
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	conn, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return &SFTPDropzone{Root: cfg.RootDir, client: client, conn: conn}, nil
}

func (d *SFTPDropzone) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

func (d *SFTPDropzone) WriteAtomic(dir, filename string, data []byte) error {
	target := path.Join(d.Root, dir)
	if err := d.client.MkdirAll(target); err != nil {
		return fmt.Errorf("sftp mkdir %s: %w", target, err)
	}
	tmp := path.Join(target, "."+filename+".tmp")
	f, err := d.client.Create(tmp)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		d.client.Remove(tmp)
		return fmt.Errorf("sftp write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		d.client.Remove(tmp)
		return fmt.Errorf("sftp close %s: %w", tmp, err)
	}
	final := path.Join(target, filename)
	if err := d.client.PosixRename(tmp, final); err != nil {
		d.client.Remove(tmp)
		return fmt.Errorf("sftp rename %s: %w", final, err)
	}
	return nil
}

func (d *SFTPDropzone) Exists(dir, filename string) (bool, error) {
	_, err := d.client.Stat(path.Join(d.Root, dir, filename))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d *SFTPDropzone) List(dir string) ([]string, error) {
	infos, err := d.client.ReadDir(path.Join(d.Root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sftp list %s: %w", dir, err)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *SFTPDropzone) Read(dir, filename string) ([]byte, error) {
	f, err := d.client.Open(path.Join(d.Root, dir, filename))
	if err != nil {
		return nil, fmt.Errorf("sftp open %s/%s: %w", dir, filename, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (d *SFTPDropzone) Move(fromDir, filename, toDir string) error {
	target := path.Join(d.Root, toDir)
	if err := d.client.MkdirAll(target); err != nil {
		return fmt.Errorf("sftp mkdir %s: %w", target, err)
	}
	from := path.Join(d.Root, fromDir, filename)
	to := path.Join(target, filename)
	if err := d.client.PosixRename(from, to); err != nil {
		return fmt.Errorf("sftp move %s -> %s: %w", from, to, err)
	}
	return nil
}
