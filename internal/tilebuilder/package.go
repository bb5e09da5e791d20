package tilebuilder

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/profile"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
)

// overviewLevels are the browse image's internal overview factors.
var overviewLevels = []int{2, 4, 8, 16}

// browseScale maps surface reflectance onto display bytes.
var browseScale = raster.Scale{SrcMin: 0, SrcMax: 10000, DstMin: 0, DstMax: 255}

// pack writes one tar per requested product plus its md5 sidecar and
// returns the tar paths.
func (b *Builder) pack(job *tileJob) ([]string, error) {
	if err := os.MkdirAll(job.outDir, 0o755); err != nil {
		return nil, err
	}

	var tars []string
	for _, prod := range b.opts.Products {
		group, ok := job.family.XMLGroupOf(prod)
		if !ok {
			return nil, fmt.Errorf("product %s has no xml group", prod)
		}

		var members []string
		seen := map[string]bool{}
		add := func(path string) {
			if !seen[path] {
				seen[path] = true
				members = append(members, path)
			}
		}
		for _, short := range job.family.Package[prod] {
			add(job.path(short))
		}
		add(job.lineagePath())
		add(job.xmlPath(group))

		name := filepath.Join(job.outDir, job.tileID+"_"+prod+".tar")
		sum, err := writeTar(name, members)
		if err != nil {
			return nil, err
		}
		if err := writeChecksum(name, sum); err != nil {
			return nil, err
		}
		job.log.Debug("product packaged", zap.String("product", prod), zap.Int("files", len(members)))
		tars = append(tars, name)
	}
	return tars, nil
}

// writeTar archives members under their base names and returns the md5 of
// the archive.
func writeTar(name string, members []string) (_ []byte, err error) {
	tmp := name + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	hash := md5.New()
	tw := tar.NewWriter(io.MultiWriter(f, hash))
	for _, m := range members {
		if err := addFile(tw, m); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, name); err != nil {
		return nil, err
	}
	return hash.Sum(nil), nil
}

func addFile(tw *tar.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, in)
	return err
}

// writeChecksum writes the md5sum-style sidecar of a tar.
func writeChecksum(tarPath string, sum []byte) error {
	name := tarPath[:len(tarPath)-len(filepath.Ext(tarPath))] + ".md5"
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum), filepath.Base(tarPath))
	return os.WriteFile(name, []byte(line), 0o644)
}

// browse renders the RGB browse image into the output directory.
func (b *Builder) browse(ctx context.Context, job *tileJob) error {
	roles := []string{job.family.Browse.Red, job.family.Browse.Green, job.family.Browse.Blue}
	srcs := make([]string, len(roles))
	for i, short := range roles {
		band, err := job.bandOf(short)
		if err != nil {
			return err
		}
		// Browse bands need not belong to a requested product.
		if err := b.band(ctx, job, band); err != nil {
			return err
		}
		srcs[i] = job.path(short)
	}

	rgb := job.path("browse_rgb")
	err := produce(job.log, rgb, func(tmp string) error {
		return b.tool.Merge(ctx, raster.MergeOptions{
			Sources:  srcs,
			Dest:     tmp,
			Separate: true,
		})
	})
	if err != nil {
		return err
	}

	scale := browseScale
	dest := filepath.Join(job.outDir, job.tileID+".tif")
	return produce(job.log, dest, func(tmp string) error {
		err := b.tool.Translate(ctx, raster.TranslateOptions{
			Source:   rgb,
			Dest:     tmp,
			NoData:   raster.Value(0),
			Type:     raster.Byte,
			Scale:    &scale,
			Creation: raster.BrowseCreation,
		})
		if err != nil {
			return err
		}
		return b.tool.AddOverviews(ctx, tmp, overviewLevels)
	})
}

// bandOf resolves a short name to its band.
func (j *tileJob) bandOf(short string) (profile.Band, error) {
	in, ok := j.family.Input(short)
	if !ok {
		return profile.Band{}, fmt.Errorf("band %s is not renamed", short)
	}
	class, ok := j.family.Class(in)
	if !ok {
		return profile.Band{}, fmt.Errorf("band %s has no class", in)
	}
	return profile.Band{Input: in, Short: short, Class: class}, nil
}
