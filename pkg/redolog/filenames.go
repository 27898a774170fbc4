package redolog

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dr0pdb/icecanedtm/internal/common"
)

type fileType int

const (
	logFileType fileType = iota
	currentFileType
	tempFileType
)

const logFileSuffix = ".dtxlog"

// getLogFileName returns the name of the file stored on the disk for a particular type and number.
func getLogFileName(dirname string, fileType fileType, fileNum uint64) string {
	// reset trailing slashes
	for len(dirname) > 0 && dirname[len(dirname)-1] == os.PathSeparator {
		dirname = dirname[:len(dirname)-1]
	}

	switch fileType {
	case logFileType:
		return fmt.Sprintf("%s%c%06d%s", dirname, os.PathSeparator, fileNum, logFileSuffix)
	case currentFileType:
		return fmt.Sprintf("%s%cCURRENT", dirname, os.PathSeparator)
	case tempFileType:
		return fmt.Sprintf("%s%cCURRENT.%06d.tmp", dirname, os.PathSeparator, fileNum)
	}

	panic("invalid file type")
}

// parseLogFileNumber extracts the number from a base name like 000012.dtxlog.
func parseLogFileNumber(base string) (uint64, error) {
	numPart := strings.TrimSuffix(base, logFileSuffix)
	if numPart == base || numPart == "" {
		return 0, common.NewCorruptLogError(fmt.Sprintf("redolog: CURRENT names an unexpected file %q", base))
	}
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, common.NewCorruptLogError(fmt.Sprintf("redolog: CURRENT names an unexpected file %q", base))
	}
	return n, nil
}
