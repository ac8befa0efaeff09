// Inspect and maintain durable buffer.
// Agent may run concurrently with file and safe kinds, they flock every operation.
// Leveldb kind is locked by running agent.
package buffer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/sensagent/cmd/sensagent/subcmd"
	"github.com/temoto/sensagent/helpers/cli"
	buffer_api "github.com/temoto/sensagent/internal/buffer"
	"github.com/temoto/sensagent/internal/reading"
	"github.com/temoto/sensagent/internal/state"
	"github.com/temoto/sensagent/log2"
)

const modName = "buffer"

const usage = `commands:
- count     number of buffered records
- list      one line summary per record
- show N    raw line of record N (from 0)
- decode N  record N as broker payload in configured format
- clear     remove all records, undelivered readings are lost
- help      this text`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive buffer shell", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	log := log2.ContextValueLogger(ctx)
	root := config.Persist.Root
	if root == "" {
		root = state.DefaultPersistRoot
	}
	store, err := buffer_api.Open(log, &config.Buffer, root)
	if err != nil {
		return errors.Annotate(err, "buffer open")
	}
	defer store.Close()
	codec, err := reading.NewCodec(config.Broker.Format)
	if err != nil {
		return err
	}

	sh := &shell{log: log, store: store, codec: codec, w: os.Stdout}
	return cli.MainLoop(modName, sh.exec, newCompleter())
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "count", Description: "number of buffered records"},
		{Text: "list", Description: "summary per record"},
		{Text: "show", Description: "raw line of record N"},
		{Text: "decode", Description: "record N as broker payload"},
		{Text: "clear", Description: "remove all records"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

type shell struct {
	log   *log2.Log
	store buffer_api.Store
	codec reading.Codec
	w     io.Writer
}

func (sh *shell) exec(line string) {
	if err := sh.run(line); err != nil {
		sh.log.Error(err)
	}
}

func (sh *shell) run(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "count":
		n, err := sh.store.Len()
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.w, "%d\n", n)

	case "list":
		records, err := sh.store.ReadAll()
		if err != nil {
			return err
		}
		for i, b := range records {
			r, err := reading.Unmarshal(b)
			if err != nil {
				fmt.Fprintf(sh.w, "%d: undecodable len=%d\n", i, len(b))
				continue
			}
			fmt.Fprintf(sh.w, "%d: %s\n", i, r.String())
		}

	case "show", "decode":
		b, err := sh.record(parts)
		if err != nil {
			return err
		}
		if parts[0] == "show" {
			fmt.Fprintf(sh.w, "%s\n", b)
			return nil
		}
		if _, ok := sh.codec.(reading.ProtoCodec); ok {
			r, err := reading.Unmarshal(b)
			if err != nil {
				return err
			}
			fmt.Fprint(sh.w, proto.MarshalTextString(r.Struct()))
			return nil
		}
		p, err := sh.codec.Payload(b)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.w, "%s\n", p)

	case "clear":
		n, err := sh.store.Len()
		if err != nil {
			return err
		}
		if err = sh.store.Clear(); err != nil {
			return err
		}
		sh.log.Infof("buffer cleared records=%d", n)

	case "help", "?":
		fmt.Fprintln(sh.w, usage)

	default:
		return errors.Errorf("unknown command=%s, try help", parts[0])
	}
	return nil
}

func (sh *shell) record(parts []string) ([]byte, error) {
	if len(parts) != 2 {
		return nil, errors.Errorf("syntax: %s N", parts[0])
	}
	i, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errors.Annotatef(err, "record index=%s", parts[1])
	}
	records, err := sh.store.ReadAll()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(records) {
		return nil, errors.NotFoundf("record index=%d count=%d", i, len(records))
	}
	return records[i], nil
}
