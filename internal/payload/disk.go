// Package payload assembles the guest-visible payload disk: an ordered,
// labeled partition list whose exact sequence and naming is a contract
// with guest-side boot code.
package payload

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
)

// Partition labels. Guest init looks partitions up by these names and
// depends on the exact sequence produced by Build.
const (
	MetadataLabel   = "payload-metadata"
	ApexLabelFmt    = "microdroid-apex-%d"
	ApkLabel        = "microdroid-apk"
	IdsigLabel      = "microdroid-apk-idsig"
	ExtraApkFmt     = "extra-apk-%d"
	ExtraIdsigFmt   = "extra-idsig-%d"
	VendorLabel     = "microdroid-vendor"
	InstanceLabel   = "vm-instance"
	EncStoreLabel   = "encryptedstore"
	apkMetadataName = "apk"
)

// guestApkMountPoint is where the guest mounts the application package;
// config paths in the metadata record are expressed relative to it.
const guestApkMountPoint = "/mnt/apk"

// ErrManifestMismatch is returned when the extra-package and
// extra-signature counts disagree.
var ErrManifestMismatch = errors.New("extra package and signature counts differ")

// Partition is one named entry of a disk image. The backing file is an
// open handle transferred to the downstream VM constructor; the builder
// neither retains nor closes it after a successful build.
type Partition struct {
	Label    string
	Image    *os.File
	Writable bool
}

// DiskImage is an ordered partition list plus the container-level
// writable flag.
type DiskImage struct {
	Partitions []Partition
	Writable   bool
}

// App describes the application payload. Exactly one of BinaryName and
// ConfigPath is set: either an inline binary name (with extra packages),
// or a path to a config file inside the application package.
type App struct {
	BinaryName string
	ConfigPath string
}

// BuildInput carries everything one payload-disk build needs. File
// handles are opened by the caller and transferred into the partition
// list.
type BuildInput struct {
	App         App
	Apk         *os.File
	Idsig       *os.File
	ExtraApks   []*os.File
	ExtraIdsigs []*os.File
	Apexes      []apex.Info
	TempDir     string
}

// Builder assembles payload disks.
type Builder struct {
	earlyBoot bool
	logger    *slog.Logger
}

// NewBuilder creates a payload disk builder. In early-boot mode APEX
// partitions are backed by the preinstalled image paths.
func NewBuilder(earlyBoot bool, logger *slog.Logger) *Builder {
	return &Builder{earlyBoot: earlyBoot, logger: logger}
}

// Build produces the payload disk:
//
//	payload-metadata
//	microdroid-apex-0 .. microdroid-apex-N
//	microdroid-apk
//	microdroid-apk-idsig
//	extra-apk-0, extra-idsig-0, extra-apk-1, extra-idsig-1, ..
//
// All partitions are read-only and the disk itself is not writable.
// Apexes must already be resolved and sorted by the selector.
func (b *Builder) Build(in BuildInput) (*DiskImage, error) {
	if len(in.ExtraApks) != len(in.ExtraIdsigs) {
		return nil, fmt.Errorf("%w: %d apks, %d idsigs",
			ErrManifestMismatch, len(in.ExtraApks), len(in.ExtraIdsigs))
	}

	// Files opened by the builder itself; closed again if the build fails
	// partway.
	var opened []*os.File
	fail := func(err error) (*DiskImage, error) {
		for _, f := range opened {
			f.Close()
		}
		return nil, err
	}

	metadataFile, err := b.makeMetadataFile(in)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, metadataFile)

	partitions := []Partition{{Label: MetadataLabel, Image: metadataFile}}

	for i := range in.Apexes {
		path, err := b.apexImagePath(&in.Apexes[i])
		if err != nil {
			return fail(err)
		}
		f, err := os.Open(path)
		if err != nil {
			return fail(fmt.Errorf("open apex %s: %w", in.Apexes[i].Name, err))
		}
		opened = append(opened, f)
		partitions = append(partitions, Partition{
			Label: fmt.Sprintf(ApexLabelFmt, i),
			Image: f,
		})
	}

	partitions = append(partitions,
		Partition{Label: ApkLabel, Image: in.Apk},
		Partition{Label: IdsigLabel, Image: in.Idsig},
	)

	for i := range in.ExtraApks {
		partitions = append(partitions,
			Partition{Label: fmt.Sprintf(ExtraApkFmt, i), Image: in.ExtraApks[i]},
			Partition{Label: fmt.Sprintf(ExtraIdsigFmt, i), Image: in.ExtraIdsigs[i]},
		)
	}

	b.logger.Info("payload disk assembled",
		"apexes", len(in.Apexes),
		"partitions", len(partitions),
	)
	return &DiskImage{Partitions: partitions}, nil
}

// apexImagePath picks the image backing one APEX partition. Early boot
// uses the preinstalled path and refuses compressed (non-.apex) images.
func (b *Builder) apexImagePath(info *apex.Info) (string, error) {
	if !b.earlyBoot {
		return info.Path, nil
	}
	if filepath.Ext(info.PreinstalledPath) != ".apex" {
		return "", fmt.Errorf("compressed APEX %s not supported", info.PreinstalledPath)
	}
	return info.PreinstalledPath, nil
}

// makeMetadata builds the metadata record for the given input.
func makeMetadata(app App, apexes []apex.Info, extraApkCount int) *Metadata {
	md := &Metadata{
		Version: MetadataVersion,
		Apk: &ApkPayload{
			Name:                 apkMetadataName,
			PayloadPartitionName: ApkLabel,
			IdsigPartitionName:   IdsigLabel,
		},
	}

	for i := range apexes {
		md.Apexes = append(md.Apexes, ApexPayload{
			Name:              apexes[i].Name,
			PartitionName:     fmt.Sprintf(ApexLabelFmt, i),
			LastUpdateSeconds: apexes[i].LastUpdateSeconds,
			IsFactory:         apexes[i].IsFactory,
		})
	}

	if app.ConfigPath != "" {
		md.ConfigPath = guestApkMountPoint + "/" + app.ConfigPath
	} else {
		md.Config = &PayloadConfig{
			PayloadBinaryName: app.BinaryName,
			ExtraApkCount:     extraApkCount,
		}
	}

	return md
}

// makeMetadataFile writes the metadata record into a fresh file under
// the build's temporary directory and reopens it read-only.
func (b *Builder) makeMetadataFile(in BuildInput) (*os.File, error) {
	md := makeMetadata(in.App, in.Apexes, len(in.ExtraApks))

	path := filepath.Join(in.TempDir, "metadata")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create metadata file: %w", err)
	}
	if err := WriteMetadata(f, md); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close metadata file: %w", err)
	}

	ro, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reopen metadata file: %w", err)
	}
	return ro, nil
}

// PartitionPlan describes one partition of a planned disk without
// opening its backing file.
type PartitionPlan struct {
	Label    string `json:"label"`
	Source   string `json:"source,omitempty"`
	Writable bool   `json:"writable"`
}

// Plan is the dry-run counterpart of Build: the metadata record and the
// partition layout that a build with the same input would produce.
type Plan struct {
	Metadata   *Metadata       `json:"metadata"`
	Partitions []PartitionPlan `json:"partitions"`
}

// PlanDisk computes the payload disk layout without touching any files.
func (b *Builder) PlanDisk(app App, apexes []apex.Info, extraApkCount int) (*Plan, error) {
	plan := &Plan{Metadata: makeMetadata(app, apexes, extraApkCount)}

	plan.Partitions = append(plan.Partitions, PartitionPlan{Label: MetadataLabel})
	for i := range apexes {
		source, err := b.apexImagePath(&apexes[i])
		if err != nil {
			return nil, err
		}
		plan.Partitions = append(plan.Partitions, PartitionPlan{
			Label:  fmt.Sprintf(ApexLabelFmt, i),
			Source: source,
		})
	}
	plan.Partitions = append(plan.Partitions,
		PartitionPlan{Label: ApkLabel},
		PartitionPlan{Label: IdsigLabel},
	)
	for i := 0; i < extraApkCount; i++ {
		plan.Partitions = append(plan.Partitions,
			PartitionPlan{Label: fmt.Sprintf(ExtraApkFmt, i)},
			PartitionPlan{Label: fmt.Sprintf(ExtraIdsigFmt, i)},
		)
	}

	return plan, nil
}
