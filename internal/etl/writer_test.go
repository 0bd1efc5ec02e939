package etl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datalake/internal/catalog"
)

func enrichedFixture(t *testing.T, partition string) (Layout, *EnrichedBatch) {
	t.Helper()
	store := newMemS3(map[string]string{"incoming/a.csv": siteA, "incoming/b.csv": siteB})
	raw, err := newTestReader(store).Read(context.Background())
	require.NoError(t, err)

	eb, err := Transform(raw, time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC), partition)
	require.NoError(t, err)
	layout, err := InferLayout(eb)
	require.NoError(t, err)
	return layout, eb
}

func TestPrepareGroupsByPartition(t *testing.T) {
	layout, eb := enrichedFixture(t, "region")
	w := NewDatasetWriter(newMemS3(nil), "lake", "dataset/")

	files, err := w.Prepare("run-1", layout, eb)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "dataset/region=Highland & Eilean Siar/", files[0].Dir)
	assert.Equal(t, "dataset/region=Highland & Eilean Siar/run-1.snappy.parquet", files[0].Key)
	assert.Equal(t, "Orkney & Shetland", files[1].Value)
	for _, f := range files {
		assert.Equal(t, 2, f.Rows)
		n, leaves := parquetRows(t, f.Body)
		assert.Equal(t, int64(2), n)
		assert.Equal(t, []string{"observation_date", "site_name", "screen_temperature", "wind_speed", "country", "dl_creation_date"}, leafNames(leaves))
		for _, el := range leaves {
			assert.False(t, strings.EqualFold("region", el.GetName()), "partition column lives in the path only")
		}
	}
}

func TestPrepareMissingPartitionValue(t *testing.T) {
	layout, eb := enrichedFixture(t, "country")
	w := NewDatasetWriter(newMemS3(nil), "lake", "dataset/")

	files, err := w.Prepare("run-1", layout, eb)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "dataset/country=SCOTLAND/", files[0].Dir)
	assert.Equal(t, "s3://lake/dataset/country=SCOTLAND/", w.Location(files[0]))
	assert.Equal(t, "dataset/country="+catalog.HiveDefaultPartition+"/", files[1].Dir)
	assert.True(t, files[1].Missing)
	assert.Equal(t, 3, files[1].Rows)
}

func TestCommitOverwritesOnlyWrittenPartitions(t *testing.T) {
	layout, eb := enrichedFixture(t, "region")
	store := newMemS3(map[string]string{
		"dataset/region=Orkney & Shetland/old-1.snappy.parquet": "old",
		"dataset/region=Orkney & Shetland/old-2.snappy.parquet": "old",
		"dataset/region=Grampian/old.snappy.parquet":            "keep",
		"dataset/region=Orkney/old.snappy.parquet":              "keep",
	})
	w := NewDatasetWriter(store, "lake", "dataset/")

	files, err := w.Prepare("run-1", layout, eb)
	require.NoError(t, err)
	require.NoError(t, w.Commit(context.Background(), files))

	assert.Equal(t, []string{
		"dataset/region=Grampian/old.snappy.parquet",
		"dataset/region=Highland & Eilean Siar/run-1.snappy.parquet",
		"dataset/region=Orkney & Shetland/run-1.snappy.parquet",
		"dataset/region=Orkney/old.snappy.parquet",
	}, store.keys("dataset/"))
	assert.Equal(t, 2, store.puts)
}

func TestCommitPutFailure(t *testing.T) {
	layout, eb := enrichedFixture(t, "region")
	store := newMemS3(map[string]string{"dataset/region=Highland & Eilean Siar/old.snappy.parquet": "old"})
	store.fail("PutObject", "Highland", errors.New("SlowDown"))
	w := NewDatasetWriter(store, "lake", "dataset/")

	files, err := w.Prepare("run-1", layout, eb)
	require.NoError(t, err)

	err = w.Commit(context.Background(), files)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "put", serr.Op)
	assert.Equal(t, []string{"dataset/region=Highland & Eilean Siar/old.snappy.parquet"}, store.keys("dataset/"), "old data kept when the new file was not written")
}

func TestPrepareKeepsNonPartitionColumnsInFile(t *testing.T) {
	layout, eb := enrichedFixture(t, "site_name")
	w := NewDatasetWriter(newMemS3(nil), "lake", "dataset/")

	files, err := w.Prepare("run-1", layout, eb)
	require.NoError(t, err)
	require.Len(t, files, 4)

	_, leaves := parquetRows(t, files[0].Body)
	names := leafNames(leaves)
	assert.Contains(t, names, "region")
	assert.NotContains(t, names, "site_name")
}
