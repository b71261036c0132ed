// Package upload builds the generic UploadConfig the coordinator dispatches
// to clients for a measurement, per spec.md §4.4.4. The external FTP server
// itself (a process-wide thread pool) is out of scope; this package only
// derives paths and, for internal-FTP mode, provisions the ephemeral FTP
// user through a narrow collaborator interface.
package upload

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// FTPPermission mirrors the permission bits the internal FTP sink grants an
// ephemeral measurement user.
type FTPPermission int

const (
	PermWrite FTPPermission = 1 << iota
	PermAppend
	PermRename
	PermList
	PermMakeDir
	PermRenameDir
)

// InternalFTPUser describes the ephemeral FTP account provisioned for one
// measurement's internal-FTP upload.
type InternalFTPUser struct {
	Username    string
	Password    string
	HomeDir     string
	Permissions FTPPermission
}

// measurementUserPermissions is exactly write/append/rename + list/mkdir/
// renamedir, per spec.md §4.4.4 step "Internal FTP mode".
const measurementUserPermissions = PermWrite | PermAppend | PermRename | PermList | PermMakeDir | PermRenameDir

// FTPProvisioner is the external collaborator (the process-wide FTP server
// thread pool) that actually creates the ephemeral user and its home
// directory. Only its narrow contract is specified here.
type FTPProvisioner interface {
	EnsureDir(path string) error
	ProvisionUser(user InternalFTPUser) error
}

// BuildInternalFTP provisions the ephemeral FTP user for an internal-FTP
// upload of jobID, rooted at localMeasDir (the coordinator's own copy of the
// measurement), and returns the UploadConfig to dispatch to clients.
func BuildInternalFTP(prov FTPProvisioner, jobID int64, localMeasDir string, host string, port int, deleteAfterUpload bool) (domain.UploadConfig, error) {
	if localMeasDir == "" {
		return domain.UploadConfig{}, fmt.Errorf("op=upload.build_internal_ftp: empty local measurement directory: %w", domain.ErrParameterError)
	}
	if err := prov.EnsureDir(localMeasDir); err != nil {
		return domain.UploadConfig{}, fmt.Errorf("op=upload.build_internal_ftp: %w: %v", domain.ErrResourceUnavailable, err)
	}
	cred := strconv.FormatInt(jobID, 10)
	user := InternalFTPUser{
		Username:    cred,
		Password:    cred,
		HomeDir:     localMeasDir,
		Permissions: measurementUserPermissions,
	}
	if err := prov.ProvisionUser(user); err != nil {
		return domain.UploadConfig{}, fmt.Errorf("op=upload.build_internal_ftp: %w: %v", domain.ErrResourceUnavailable, err)
	}
	return domain.UploadConfig{
		Protocol:          domain.UploadProtocolInternalFTP,
		Host:              host,
		Port:              port,
		Username:          cred,
		Password:          cred,
		RootPath:          localMeasDir,
		DeleteAfterUpload: deleteAfterUpload,
	}, nil
}

// BuildExternalFTP normalizes rootPath to forward slashes with a leading and
// trailing slash, appends measName, and cleans the result, per spec.md
// §4.4.4's "External FTP mode" step.
func BuildExternalFTP(host string, port int, username, password, rootPath, measName string, deleteAfterUpload bool) (domain.UploadConfig, error) {
	if host == "" {
		return domain.UploadConfig{}, fmt.Errorf("op=upload.build_external_ftp: empty host: %w", domain.ErrParameterError)
	}
	if measName == "" {
		return domain.UploadConfig{}, fmt.Errorf("op=upload.build_external_ftp: empty meas_name: %w", domain.ErrParameterError)
	}
	normalized := strings.ReplaceAll(rootPath, "\\", "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if !strings.HasSuffix(normalized, "/") {
		normalized += "/"
	}
	full := path.Clean(normalized + measName)
	return domain.UploadConfig{
		Protocol:          domain.UploadProtocolExternalFTP,
		Host:              host,
		Port:              port,
		Username:          username,
		Password:          password,
		RootPath:          full,
		DeleteAfterUpload: deleteAfterUpload,
	}, nil
}
