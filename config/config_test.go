// Copyright 2026 The Vfscore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/mount"
	"github.com/posixtranslation/vfscore/stream"
)

const sampleTOML = `
process_uid = 10042
process_pid = 1

[[mounts]]
prefix = "/"
owner_uid = 0
writable = true

[[mounts]]
prefix = "/data"
owner_uid = 10042
writable = true
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesFields(t *testing.T) {
	b, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.ProcessUID != 10042 {
		t.Fatalf("ProcessUID = %d, want 10042", b.ProcessUID)
	}
	if len(b.Mounts) != 2 {
		t.Fatalf("len(Mounts) = %d, want 2", len(b.Mounts))
	}
	if b.Mounts[1].Prefix != "/data" || !b.Mounts[1].Writable {
		t.Fatalf("Mounts[1] = %+v, want prefix /data writable true", b.Mounts[1])
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("Load of missing file = nil error, want an error")
	}
}

func TestMountListConvertsEveryEntry(t *testing.T) {
	b, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	list := b.MountList()
	if len(list) != 2 {
		t.Fatalf("MountList length = %d, want 2", len(list))
	}
	if list[0].Prefix != "/" || list[0].OwnerUID != 0 {
		t.Fatalf("MountList[0] = %+v, want prefix / owner_uid 0", list[0])
	}
}

type fakeLoader struct {
	got []mount.BootstrapMount
}

func (f *fakeLoader) LoadBootstrap(mounts []mount.BootstrapMount, handlers map[string]stream.FileSystemHandler) errno.Errno {
	f.got = mounts
	return 0
}

func TestApplyDelegatesToLoadBootstrap(t *testing.T) {
	b, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loader := &fakeLoader{}
	if e := b.Apply(loader, map[string]stream.FileSystemHandler{}); e != 0 {
		t.Fatalf("Apply = %v, want success", e)
	}
	if len(loader.got) != 2 {
		t.Fatalf("loader.got length = %d, want 2", len(loader.got))
	}
}
