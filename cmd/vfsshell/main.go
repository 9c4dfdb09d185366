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

// Command vfsshell is a small interactive diagnostic binary that drives a
// vfs.VirtualFileSystem end to end against the loopback hostcap stub and
// the memfs reference handler, for manual testing — the way a systems
// repo typically ships a debug shell alongside its library.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/posixtranslation/vfscore/config"
	"github.com/posixtranslation/vfscore/hostcap/loopback"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/vfs"
	"github.com/posixtranslation/vfscore/vfs/devfs"
	"github.com/posixtranslation/vfscore/vfs/memfs"
)

var fs *vfs.VirtualFileSystem

func main() {
	bootstrapPath := flag.String("bootstrap", "", "path to a TOML bootstrap config (optional)")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&lsCmd{}, "")
	subcommands.Register(&catCmd{}, "")
	subcommands.Register(&writeCmd{}, "")
	subcommands.Register(&mkdirCmd{}, "")
	subcommands.Register(&statCmd{}, "")
	subcommands.Register(&anonPipeCmd{}, "")

	flag.Parse()

	identity := loopback.Identity{UIDValue: 10001, PIDValue: uint32(os.Getpid())}
	fs = vfs.New(identity, loopback.HostSocket{})

	handler := memfs.New(false)
	fs.Mount("/", handler, identity.UID(), true)
	fs.Mount("/dev", devfs.New("/dev"), 0, true)

	if *bootstrapPath != "" {
		b, err := config.Load(*bootstrapPath)
		if err != nil {
			logrus.WithError(err).Fatal("vfsshell: loading bootstrap")
		}
		handlers := map[string]stream.FileSystemHandler{"/": handler}
		if e := b.Apply(fs, handlers); e != 0 {
			logrus.WithField("errno", e).Fatal("vfsshell: applying bootstrap")
		}
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

type lsCmd struct{}

func (*lsCmd) Name() string             { return "ls" }
func (*lsCmd) Synopsis() string         { return "list a directory's entries" }
func (*lsCmd) Usage() string            { return "ls <path>\n" }
func (*lsCmd) SetFlags(*flag.FlagSet)   {}
func (c *lsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	fd, e := fs.Open(f.Arg(0), stream.OpenFlags{Directory: true}, 0)
	if e != 0 {
		fmt.Fprintf(os.Stderr, "ls: open: %s\n", e)
		return subcommands.ExitFailure
	}
	defer fs.Close(fd)

	entries, ge := fs.Getdents(fd)
	if ge != 0 {
		fmt.Fprintf(os.Stderr, "ls: getdents: %s\n", ge)
		return subcommands.ExitFailure
	}
	for _, ent := range entries {
		fmt.Println(ent.Name)
	}
	return subcommands.ExitSuccess
}

type catCmd struct{}

func (*catCmd) Name() string           { return "cat" }
func (*catCmd) Synopsis() string       { return "print a file's contents" }
func (*catCmd) Usage() string          { return "cat <path>\n" }
func (*catCmd) SetFlags(*flag.FlagSet) {}
func (c *catCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	fd, e := fs.Open(f.Arg(0), stream.OpenFlags{}, 0)
	if e != 0 {
		fmt.Fprintf(os.Stderr, "cat: open: %s\n", e)
		return subcommands.ExitFailure
	}
	defer fs.Close(fd)

	buf := make([]byte, 4096)
	for {
		n, re := fs.Read(fd, buf)
		if re != 0 {
			fmt.Fprintf(os.Stderr, "cat: read: %s\n", re)
			return subcommands.ExitFailure
		}
		if n == 0 {
			break
		}
		os.Stdout.Write(buf[:n])
	}
	return subcommands.ExitSuccess
}

type writeCmd struct {
	append bool
}

func (*writeCmd) Name() string     { return "write" }
func (*writeCmd) Synopsis() string { return "write stdin to a file, creating it if absent" }
func (*writeCmd) Usage() string    { return "write [-append] <path>\n" }
func (c *writeCmd) SetFlags(fl *flag.FlagSet) {
	fl.BoolVar(&c.append, "append", false, "append instead of overwrite")
}
func (c *writeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	fd, e := fs.Open(f.Arg(0), stream.OpenFlags{Create: true, Append: c.append}, 0644)
	if e != 0 {
		fmt.Fprintf(os.Stderr, "write: open: %s\n", e)
		return subcommands.ExitFailure
	}
	defer fs.Close(fd)

	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, we := fs.Write(fd, buf[:n]); we != 0 {
				fmt.Fprintf(os.Stderr, "write: %s\n", we)
				return subcommands.ExitFailure
			}
		}
		if err != nil {
			break
		}
	}
	return subcommands.ExitSuccess
}

type mkdirCmd struct{}

func (*mkdirCmd) Name() string           { return "mkdir" }
func (*mkdirCmd) Synopsis() string       { return "create a directory" }
func (*mkdirCmd) Usage() string          { return "mkdir <path>\n" }
func (*mkdirCmd) SetFlags(*flag.FlagSet) {}
func (c *mkdirCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	if e := fs.Mkdir(f.Arg(0), 0755); e != 0 {
		fmt.Fprintf(os.Stderr, "mkdir: %s\n", e)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type statCmd struct{}

func (*statCmd) Name() string           { return "stat" }
func (*statCmd) Synopsis() string       { return "print a path's stat(2) fields" }
func (*statCmd) Usage() string          { return "stat <path>\n" }
func (*statCmd) SetFlags(*flag.FlagSet) {}
func (c *statCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	st, e := fs.Stat(f.Arg(0))
	if e != 0 {
		fmt.Fprintf(os.Stderr, "stat: %s\n", e)
		return subcommands.ExitFailure
	}
	fmt.Printf("ino=%d size=%d mode=%o is_dir=%v\n", st.Ino, st.Size, st.Mode, st.IsDir)
	return subcommands.ExitSuccess
}

// anonPipeCmd exercises Pipe() by round-tripping a test message tagged
// with a google/uuid string. The pipe is anonymous; no abstract-namespace
// name is bound.
type anonPipeCmd struct{}

func (*anonPipeCmd) Name() string           { return "anon-pipe" }
func (*anonPipeCmd) Synopsis() string       { return "create a pipe and round-trip a test message through it" }
func (*anonPipeCmd) Usage() string          { return "anon-pipe\n" }
func (*anonPipeCmd) SetFlags(*flag.FlagSet) {}
func (c *anonPipeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	tag := uuid.New().String()
	r, w, e := fs.Pipe()
	if e != 0 {
		fmt.Fprintf(os.Stderr, "anon-pipe: %s\n", e)
		return subcommands.ExitFailure
	}
	defer fs.Close(r)
	defer fs.Close(w)

	msg := []byte("vfsshell-" + tag)
	if _, we := fs.Write(w, msg); we != 0 {
		fmt.Fprintf(os.Stderr, "anon-pipe: write: %s\n", we)
		return subcommands.ExitFailure
	}
	buf := make([]byte, len(msg))
	n, re := fs.Read(r, buf)
	if re != 0 {
		fmt.Fprintf(os.Stderr, "anon-pipe: read: %s\n", re)
		return subcommands.ExitFailure
	}
	fmt.Printf("round-tripped %d bytes: %s\n", n, buf[:n])
	return subcommands.ExitSuccess
}

