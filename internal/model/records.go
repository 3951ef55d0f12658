package model

import "time"

// DeviceGrant records one device passthrough grant: a platform device
// rebound to the passthrough driver on behalf of a guest. ReleasedAt is
// nil while the grant is live.
type DeviceGrant struct {
	ID         string     `json:"id"`
	SysfsPath  string     `json:"sysfs_path"`
	DtboLabel  string     `json:"dtbo_label"`
	BoundAt    time.Time  `json:"bound_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// PayloadBuild is an audit record for one payload disk assembly.
type PayloadBuild struct {
	ID             string    `json:"id"`
	ApexCount      int       `json:"apex_count"`
	PartitionCount int       `json:"partition_count"`
	CreatedAt      time.Time `json:"created_at"`
}
