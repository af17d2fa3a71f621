// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package offsite

import (
	"context"
	"testing"
)

func TestS3Uploader_UploadMissingFile(t *testing.T) {
	u := &S3Uploader{}
	err := u.Upload(context.Background(), "some-bucket", "some-key", "/does/not/exist")
	if err == nil {
		t.Fatal("expected an error for a nonexistent source file")
	}
}
