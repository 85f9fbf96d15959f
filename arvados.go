// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

var containerEventTypes = []string{"stderr", "crunch-run", "update"}

// containerEvents relays Arvados websocket events about containers to
// subscribed channels, reconnecting as needed.
type containerEvents struct {
	*arvados.Client
	subs      map[string]map[chan<- eventMessage]int
	wantClose chan struct{}
	wsconn    *websocket.Conn
	mtx       sync.Mutex
}

func (ev *containerEvents) send(method, uuid string) {
	conn := ev.wsconn
	if conn == nil {
		return
	}
	go json.NewEncoder(conn).Encode(map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", containerEventTypes},
		},
	})
}

// Subscribe arranges for events about uuid to be sent to ch. Calls
// are counted: each Subscribe needs its own Unsubscribe.
func (ev *containerEvents) Subscribe(ch chan<- eventMessage, uuid string) {
	ev.mtx.Lock()
	defer ev.mtx.Unlock()
	if ev.subs == nil {
		ev.subs = map[string]map[chan<- eventMessage]int{}
		ev.wantClose = make(chan struct{})
		go ev.run()
	}
	chans := ev.subs[uuid]
	if chans == nil {
		chans = map[chan<- eventMessage]int{}
		ev.subs[uuid] = chans
	}
	if len(chans) == 0 {
		ev.send("subscribe", uuid)
	}
	chans[ch]++
}

func (ev *containerEvents) Unsubscribe(ch chan<- eventMessage, uuid string) {
	ev.mtx.Lock()
	defer ev.mtx.Unlock()
	chans := ev.subs[uuid]
	switch n := chans[ch] - 1; {
	case n > 0:
		chans[ch] = n
	case n == 0:
		delete(chans, ch)
		if len(chans) == 0 {
			delete(ev.subs, uuid)
			ev.send("unsubscribe", uuid)
		}
	}
}

func (ev *containerEvents) Close() {
	ev.mtx.Lock()
	defer ev.mtx.Unlock()
	if ev.subs != nil {
		ev.subs = nil
		close(ev.wantClose)
	}
}

func (ev *containerEvents) dial() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := ev.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	logURL := wsURL.String()
	wsURL.RawQuery = url.Values{"api_token": []string{ev.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return nil, err
	}
	log.Printf("connected to websocket at %s", logURL)
	return conn, nil
}

func (ev *containerEvents) run() {
	for {
		conn, err := ev.dial()
		if err != nil {
			log.Warnf("websocket connection error: %s", err)
			select {
			case <-ev.wantClose:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		ev.mtx.Lock()
		ev.wsconn = conn
		for uuid := range ev.subs {
			ev.send("subscribe", uuid)
		}
		ev.mtx.Unlock()

		dec := json.NewDecoder(conn)
		for {
			var msg eventMessage
			err := dec.Decode(&msg)
			select {
			case <-ev.wantClose:
				conn.Close()
				return
			default:
			}
			if err != nil {
				log.Printf("error decoding websocket message: %s", err)
				ev.mtx.Lock()
				ev.wsconn = nil
				ev.mtx.Unlock()
				go conn.Close()
				break
			}
			ev.mtx.Lock()
			for ch := range ev.subs[msg.ObjectUUID] {
				ch := ch
				go func() { ch <- msg }()
			}
			ev.mtx.Unlock()
		}
	}
}

var refreshTicker = time.NewTicker(5 * time.Second)

// arvadosContainerRunner runs one screenassoc invocation (typically
// one batch) in an Arvados container and waits for it to finish.
type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	APIAccess   bool
	VCPUs       int
	RAM         int64
	Prog        string // if empty, run this binary
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

func (runner *arvadosContainerRunner) submit() (arvados.ContainerRequest, error) {
	var cr arvados.ContainerRequest
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	prog := runner.Prog
	if prog == "" {
		prog = "/mnt/cmd/screenassoc"
		cmdUUID, err := runner.makeCommandCollection()
		if err != nil {
			return cr, err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{
			"kind": "collection",
			"uuid": cmdUUID,
		}
	}
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		API:          runner.APIAccess,
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	var outname *string
	if runner.OutputName != "" {
		outname = &runner.OutputName
	}
	err := runner.Client.RequestAndDecode(&cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     "screenassoc-runtime",
			"command":             append([]string{prog}, runner.Args...),
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	return cr, err
}

// RunContext submits a container request and waits for it to reach
// the final state, relaying the container's stderr to the local log.
// It returns the output collection UUID. If ctx is cancelled, the
// container request is cancelled too.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}
	cr, err := runner.submit()
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"request":   cr.UUID,
		"container": cr.ContainerUUID,
	}).Printf("submitted container request %q", runner.Name)

	events := make(chan eventMessage)
	ev := containerEvents{Client: runner.Client}
	defer ev.Close()
	subscribed := ""
	defer func() {
		if subscribed != "" {
			ev.Unsubscribe(events, subscribed)
		}
	}()
	tail := logTailer{client: runner.Client, offset: map[string]int64{}}
	lastState := cr.State
	refresh := func() {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			log.Printf("error getting container request: %s", err)
			return
		}
		if lastState != cr.State {
			log.Printf("container request %s state: %s", cr.UUID, cr.State)
			lastState = cr.State
		}
		if subscribed != cr.ContainerUUID {
			if subscribed != "" {
				ev.Unsubscribe(events, subscribed)
			}
			ev.Subscribe(events, cr.ContainerUUID)
			subscribed = cr.ContainerUUID
			tail.offset = map[string]int64{}
		}
	}

	const logWaitMin, logWaitMax = time.Second, 10 * time.Second
	logWait := logWaitMin
	logWaitDone := time.After(logWait)
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			return "", ctx.Err()
		case <-refreshTicker.C:
			refresh()
		case msg := <-events:
			if msg.EventType == "update" {
				refresh()
			}
		case <-logWaitDone:
			if tail.poll(cr) {
				logWait = logWaitMin
			} else if logWait *= 2; logWait > logWaitMax {
				logWait = logWaitMax
			}
			logWaitDone = time.After(logWait)
		}
	}

	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

// logTailer copies new lines of a container's stderr log to the local
// log.
type logTailer struct {
	client *arvados.Client
	offset map[string]int64
}

// poll fetches whatever has been appended to the log since the last
// call, and reports whether there was anything new.
func (lt *logTailer) poll(cr arvados.ContainerRequest) bool {
	const fnm = "stderr.txt"
	req, err := http.NewRequest("GET", "https://"+lt.client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/"+fnm, nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", lt.offset[fnm]))
	resp, err := lt.client.Do(req)
	if err != nil {
		log.Errorf("error getting log data: %s", err)
		return false
	}
	defer resp.Body.Close()
	if (resp.StatusCode == http.StatusNotFound && lt.offset[fnm] == 0) ||
		(resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && lt.offset[fnm] > 0) {
		return false
	} else if resp.StatusCode >= 300 {
		log.Errorf("error getting log data: %s", resp.Status)
		return false
	}
	logdata, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading log data: %s", err)
		return false
	}
	any := false
	for {
		eol := bytes.IndexByte(logdata, '\n')
		if eol < 0 {
			break
		}
		line := string(logdata[:eol])
		logdata = logdata[eol+1:]
		lt.offset[fnm] += int64(eol + 1)
		if line != "" {
			log.WithField("container", cr.ContainerUUID).Print(line)
			any = true
		}
	}
	return any
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each collection path (".../{uuid or
// PDH}/file") to the corresponding path inside the container and adds
// the needed collection mounts. Empty paths and "-" are left alone.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		if _, ok := runner.Mounts["/mnt/"+collID]; !ok {
			mnt := map[string]interface{}{"kind": "collection"}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

// makeCommandCollection returns the UUID of a collection containing
// this executable, uploading it unless a collection with the same
// name and content hash already exists in the project.
func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "screenassoc " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: hash},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Printf("using screenassoc binary in existing collection %s", existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("screenassoc", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties":    map[string]interface{}{"blake2b": hash},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored screenassoc binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}
