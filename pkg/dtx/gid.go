/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dtx

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dr0pdb/icecanedtm/internal/common"
)

// DistributedTransactionID (gxid) is the per epoch counter identifying a distributed transaction.
type DistributedTransactionID uint32

// DistributedTransactionTimeStamp is the epoch marker: wall clock seconds at coordinator start.
type DistributedTransactionTimeStamp uint32

const (
	// InvalidDistributedTransactionID is never assigned to a transaction.
	InvalidDistributedTransactionID DistributedTransactionID = 0

	// FirstDistributedTransactionID is the first gxid handed out in an epoch.
	FirstDistributedTransactionID DistributedTransactionID = 1

	// LastDistributedTransactionID is the last gxid an epoch may hand out.
	LastDistributedTransactionID DistributedTransactionID = math.MaxUint32 - 1

	// UnknownDistributedTransactionID is sent with recovery commands when the gxid of a gid can't be trusted.
	UnknownDistributedTransactionID DistributedTransactionID = math.MaxUint32

	// GIDSize bounds the length of a formatted global transaction identifier.
	GIDSize = 100
)

// IsValid reports whether the gxid was ever assigned.
func (id DistributedTransactionID) IsValid() bool {
	return id != InvalidDistributedTransactionID
}

// FormGID formats the global transaction identifier "<timestamp>-<gxid>" with a zero padded 10 digit gxid.
func FormGID(ts DistributedTransactionTimeStamp, gxid DistributedTransactionID) (string, error) {
	gid := fmt.Sprintf("%d-%.10d", ts, gxid)
	if len(gid) >= GIDSize {
		return "", common.NewIdentifierTooLongError(fmt.Sprintf("global transaction identifier %s is too long (max %d)", gid, GIDSize-1))
	}
	return gid, nil
}

// CrackOpenGID parses a gid formed by FormGID back into its timestamp and gxid.
func CrackOpenGID(gid string) (DistributedTransactionTimeStamp, DistributedTransactionID, error) {
	if len(gid) >= GIDSize {
		return 0, 0, common.NewIdentifierTooLongError(fmt.Sprintf("global transaction identifier %s is too long (max %d)", gid, GIDSize-1))
	}

	tsPart, gxidPart, found := strings.Cut(gid, "-")
	if !found || tsPart == "" || gxidPart == "" {
		return 0, 0, common.NewMalformedGidError(gid)
	}

	ts, err := strconv.ParseUint(tsPart, 10, 32)
	if err != nil {
		return 0, 0, common.NewMalformedGidError(gid)
	}
	gxid, err := strconv.ParseUint(gxidPart, 10, 32)
	if err != nil {
		return 0, 0, common.NewMalformedGidError(gid)
	}

	return DistributedTransactionTimeStamp(ts), DistributedTransactionID(gxid), nil
}
