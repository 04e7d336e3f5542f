// Package installer installs Python packages into sandboxes.
//
// With a session, the package goes into the session's sandbox, which is
// attached to the install network for the duration of the install if it is
// normally isolated. Without one, a disposable sandbox with networking runs
// the install and is removed afterwards.
//
// The primary installer is uv or pip. When uv fails or is missing from the
// image, pip is run with the same index and trusted-host arguments.
package installer
