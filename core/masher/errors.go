package masher

import "errors"

var (
	ErrNoUpdates     = errors.New("no updates could be loaded")
	ErrNoCurrentTag  = errors.New("build has no current phase tag")
	ErrMissingTag    = errors.New("release has no tag for role")
	ErrTagging       = errors.New("tag actions failed")
	ErrResumeNoState = errors.New("resume requested without push state")
)
