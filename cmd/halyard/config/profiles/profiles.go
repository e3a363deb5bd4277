package profiles

import (
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hectane/go-acl"
	yaml "gopkg.in/yaml.v3"

	"github.com/cgl-dcc/halyard/cmd/halyard/config/open"
)

var ErrProfileStoreNotFound = errors.New("profile store is not found")
var ErrCannotCreateConfig = errors.New("cannot create profile store")
var ErrCannotUpdateConfig = errors.New("cannot update profile store")
var ErrProfileInvalid = errors.New("halyard profile is invalid")

// EnvAccessToken is read as the token of last resort when a profile
// carries neither a token nor a token file.
const EnvAccessToken = "ACCESS_TOKEN"

// ProfileStore is a map from profile name to Profile.
type ProfileStore map[string]*Profile

type Cert struct {
	// base64 encoded CA certificate
	CA string `yaml:"ca,omitempty"`
}

// Profile holds the endpoints and credentials of one submission target.
type Profile struct {
	// endpoint of the metadata-registration service
	MetadataServerURL string `yaml:"metadataServerUrl,omitempty"`

	// endpoint of the storage service
	StorageServerURL string `yaml:"storageServerUrl,omitempty"`

	// endpoint of the submission-tracking service
	SubmissionServerURL string `yaml:"submissionServerUrl,omitempty"`

	// Cert is the CA certificate trusted for the submission server.
	Cert Cert `yaml:"cert,omitempty"`

	// AccessToken is the storage access token, inline.
	AccessToken string `yaml:"accessToken,omitempty"`

	// AccessTokenFile points at a file holding the token. It wins over
	// AccessToken when both are set.
	AccessTokenFile string `yaml:"accessTokenFile,omitempty"`
}

func verifyUrl(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

func verifyPEM(b64cert string) bool {
	bin, err := base64.StdEncoding.DecodeString(b64cert)
	if err != nil {
		return false
	}
	blk, _ := pem.Decode(bin)
	return blk != nil
}

// Verify Profile.
//
// # Return
//
// nil if it is valid. Otherwise, ErrProfileInvalid error.
func (p *Profile) Verify() error {
	for name, u := range map[string]string{
		"metadataServerUrl":   p.MetadataServerURL,
		"storageServerUrl":    p.StorageServerURL,
		"submissionServerUrl": p.SubmissionServerURL,
	} {
		if u != "" && !verifyUrl(u) {
			return fmt.Errorf("%w: %s is not URL: %s", ErrProfileInvalid, name, u)
		}
	}
	if p.Cert.CA != "" && !verifyPEM(p.Cert.CA) {
		return fmt.Errorf("%w: cert.ca is not PEM", ErrProfileInvalid)
	}

	return nil
}

// Token resolves the storage access token: token file first, inline
// token next, ACCESS_TOKEN environment variable last.
func (p *Profile) Token() (string, error) {
	if p.AccessTokenFile != "" {
		buf, err := os.ReadFile(p.AccessTokenFile)
		if err != nil {
			return "", fmt.Errorf("%w: cannot read accessTokenFile %s", err, p.AccessTokenFile)
		}
		return strings.TrimSpace(string(buf)), nil
	}
	if p.AccessToken != "" {
		return p.AccessToken, nil
	}
	return os.Getenv(EnvAccessToken), nil
}

// LoadProfileStore loads profile store from file.
func LoadProfileStore(filepath string) (ProfileStore, error) {
	buf, err := os.ReadFile(filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrProfileStoreNotFound, filepath)
		}
		return nil, err
	}
	return Unmarshall(buf)
}

// Unmarshall profile store from yaml in byte array.
func Unmarshall(buf []byte) (ProfileStore, error) {
	ret := map[string]*Profile{}
	err := yaml.Unmarshal(buf, &ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Save profile store to file, keeping it accessible only by the
// current user. The previous content survives as a backup until the
// write has succeeded.
func (kc *ProfileStore) Save(path string) error {
	saving := false

	if err := os.MkdirAll(filepath.Dir(path), os.FileMode(0700)); err != nil {
		return err
	}

	bkpath := path + ".backup"
	bk, err := open.NewSafeFile(bkpath)
	if err != nil {
		return err
	}
	defer func() {
		if !saving {
			os.Remove(bkpath)
		}
	}()
	defer bk.Close()

	f, err := os.OpenFile(path, os.O_RDWR, os.FileMode(0600))
	if err == nil {
		// In case of the existing file with loose permissions,
		// enforce permission to 0600.
		if err := acl.Chmod(path, os.FileMode(0600)); err != nil {
			return err
		}
	} else {
		if os.IsPermission(err) {
			return fmt.Errorf(
				"%w, because no permission to write file at %s",
				ErrCannotUpdateConfig, path,
			)
		} else if os.IsNotExist(err) {
			f_, err_ := open.NewSafeFile(path)
			if err_ != nil {
				return fmt.Errorf(
					"%w: cannot create a file at %s",
					ErrCannotCreateConfig, path,
				)
			}
			f = f_
		} else {
			return err
		}
	}
	defer f.Close()

	if err := bk.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := io.Copy(bk, f); err != nil {
		return err
	}

	saving = true
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	buf, err := yaml.Marshal(kc)
	if err != nil {
		return err
	}
	_, err = f.Write(buf)

	if err == nil {
		saving = false
	}
	return err
}
