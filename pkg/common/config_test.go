package common

import (
	"os"
	"path"
	"testing"

	"github.com/dr0pdb/icecanedtm/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDirectory = test.TestDirectory("common")

func writeTestFile(t *testing.T, name, content string) string {
	p := path.Join(testDirectory, name)
	require.Nil(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestDefaultConfigIsValid(t *testing.T) {
	conf := NewDefaultDTMConfig()
	assert.Nil(t, conf.Validate())
	assert.Equal(t, "100ms", conf.Phase2RetryInterval().String())
}

func TestLoadYamlConfig(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	p := writeTestFile(t, "dtm.yaml", `
dbPath: /tmp/dtm
phase2RetryCount: 3
utilityMode: true
segments:
  - id: 1
    address: 127.0.0.1
    port: "9001"
  - id: 2
    address: 127.0.0.1
    port: "9002"
`)

	conf := NewDefaultDTMConfig()
	require.Nil(t, conf.LoadFromFile(p))
	assert.Nil(t, conf.Validate())

	assert.Equal(t, "/tmp/dtm", conf.DbPath)
	assert.Equal(t, 3, conf.Phase2RetryCount)
	assert.Equal(t, DefaultPhase2RetryIntervalMs, conf.Phase2RetryIntervalMs, "unset fields keep their defaults")
	assert.True(t, conf.UtilityMode)
	assert.Equal(t, []Peer{{ID: 1, Address: "127.0.0.1", Port: "9001"}, {ID: 2, Address: "127.0.0.1", Port: "9002"}}, conf.Segments)
	assert.Equal(t, "127.0.0.1:9002", conf.Segments[1].Target())
}

func TestLoadTomlSegmentConfig(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	p := writeTestFile(t, "segment.toml", `
id = 7
dbPath = "/tmp/seg7"
port = "9007"
logLevel = "debug"
`)

	conf := NewDefaultSegmentConfig()
	require.Nil(t, conf.LoadFromFile(p))
	assert.Nil(t, conf.Validate())
	assert.Equal(t, int32(7), conf.ID)
	assert.Equal(t, "/tmp/seg7", conf.DbPath)
	assert.Equal(t, "127.0.0.1", conf.Address)
	assert.Equal(t, "debug", conf.LogLevel)
}

func TestLoadConfigErrorLeavesConfigUntouched(t *testing.T) {
	conf := NewDefaultDTMConfig()
	assert.NotNil(t, conf.LoadFromFile(path.Join(testDirectory, "missing.yaml")))
	assert.Equal(t, NewDefaultDTMConfig(), conf)
}

func TestValidateRejectsDuplicateSegments(t *testing.T) {
	conf := NewDefaultDTMConfig()
	conf.Segments = []Peer{{ID: 1, Address: "a", Port: "1"}, {ID: 1, Address: "b", Port: "2"}}
	assert.NotNil(t, conf.Validate())

	conf.Segments = nil
	conf.MaxPreparedTransactions = 0
	assert.NotNil(t, conf.Validate())
}
