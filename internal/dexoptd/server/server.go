// Package server exposes the daemon over a unix socket. Each client
// connection carries newline-delimited JSON request frames; every frame
// gets exactly one response frame with the same request id.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"dexoptd/internal/dexoptd/artexec"
	"dexoptd/internal/dexoptd/notify"
	"dexoptd/internal/dexoptd/paths"
	"dexoptd/internal/dexoptd/profile"
	"dexoptd/internal/dexoptd/service"
	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
)

const (
	maxMessageSize    = 10 * 1024 * 1024
	initialBufferSize = 1024 * 1024
	socketPermissions = 0o666
)

// Server accepts connections and dispatches request frames onto the
// service. Cancellation signals and profile-save notifications are
// handle-based: creation returns an id, later frames address it.
type Server struct {
	socketPath string
	svc        *service.Service
	log        *logger.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu          sync.Mutex
	connections map[string]net.Conn

	nextHandle    uint64
	signalsMu     sync.Mutex
	signals       map[string]*artexec.CancellationSignal
	notifyMu      sync.Mutex
	notifications map[string]*notify.Notification
}

// New creates a server bound to the given socket path once started.
func New(socketPath string, svc *service.Service) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:    socketPath,
		svc:           svc,
		log:           logger.WithField("component", "server"),
		ctx:           ctx,
		cancel:        cancel,
		connections:   make(map[string]net.Conn),
		signals:       make(map[string]*artexec.CancellationSignal),
		notifications: make(map[string]*notify.Notification),
	}
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return errors.NewFilesystemError(s.socketPath, "mkdir", err)
	}
	// A stale socket from a previous run blocks the bind.
	if err := os.RemoveAll(s.socketPath); err != nil {
		return errors.NewFilesystemError(s.socketPath, "remove", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.NewFilesystemError(s.socketPath, "listen", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, socketPermissions); err != nil {
		listener.Close()
		return errors.NewFilesystemError(s.socketPath, "chmod", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and every open connection, waits for the
// handlers to drain, and releases all notification handles.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, conn := range s.connections {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.notifyMu.Lock()
	for _, n := range s.notifications {
		n.Close()
	}
	s.notifications = make(map[string]*notify.Notification)
	s.notifyMu.Unlock()

	os.RemoveAll(s.socketPath)
	s.log.Info("stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		id := fmt.Sprintf("conn-%d", atomic.AddUint64(&s.nextHandle, 1))
		s.mu.Lock()
		s.connections[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(id, conn)
	}
}

func (s *Server) handleConnection(id string, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.connections, id)
		s.mu.Unlock()
	}()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, initialBufferSize), maxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn("malformed request", "connection", id, "error", err)
			_ = enc.Encode(&Response{Error: "malformed request: " + err.Error()})
			continue
		}

		resp := s.process(&msg)
		if err := enc.Encode(resp); err != nil {
			s.log.Warn("failed to write response", "connection", id, "error", err)
			return
		}
	}
}

// process dispatches a single frame. It never returns a nil response.
func (s *Server) process(msg *Message) *Response {
	resp, err := s.dispatch(msg)
	if err != nil {
		return s.makeError(msg.RequestID, err)
	}
	resp.RequestID = msg.RequestID
	resp.Success = true
	return resp
}

func (s *Server) dispatch(msg *Message) (*Response, error) {
	switch msg.Operation {
	case OpIsAlive:
		return &Response{Alive: s.svc.IsAlive()}, nil

	case OpDeleteArtifacts:
		artifact, err := requireArtifact(msg)
		if err != nil {
			return nil, err
		}
		freed, err := s.svc.DeleteArtifacts(artifact)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: freed}, nil

	case OpGetArtifactsSize:
		artifact, err := requireArtifact(msg)
		if err != nil {
			return nil, err
		}
		size, err := s.svc.GetArtifactsSize(artifact)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: size}, nil

	case OpGetVdexFileSize:
		artifact, err := requireArtifact(msg)
		if err != nil {
			return nil, err
		}
		size, err := s.svc.GetVdexFileSize(artifact)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: size}, nil

	case OpGetSdmFileSize:
		artifact, err := requireArtifact(msg)
		if err != nil {
			return nil, err
		}
		size, err := s.svc.GetSdmFileSize(artifact)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: size}, nil

	case OpGetProfileSize:
		p, err := requireProfile(msg)
		if err != nil {
			return nil, err
		}
		size, err := s.svc.GetProfileSize(p)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: size}, nil

	case OpGetRuntimeArtifactsSize:
		if msg.RuntimeArtifact == nil {
			return nil, errors.NewInvalidArgument("runtime artifact reference is required")
		}
		runtime, err := msg.RuntimeArtifact.toPath()
		if err != nil {
			return nil, err
		}
		size, err := s.svc.GetRuntimeArtifactsSize(runtime)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: size}, nil

	case OpGetProfileVisibility:
		p, err := requireProfile(msg)
		if err != nil {
			return nil, err
		}
		vis, err := s.svc.GetProfileVisibility(p)
		if err != nil {
			return nil, err
		}
		return &Response{Visibility: vis.String()}, nil

	case OpGetArtifactsVisibility:
		artifact, err := requireArtifact(msg)
		if err != nil {
			return nil, err
		}
		vis, err := s.svc.GetArtifactsVisibility(artifact)
		if err != nil {
			return nil, err
		}
		return &Response{Visibility: vis.String()}, nil

	case OpGetDexFileVisibility:
		vis, err := s.svc.GetDexFileVisibility(msg.DexPath)
		if err != nil {
			return nil, err
		}
		return &Response{Visibility: vis.String()}, nil

	case OpGetDmFileVisibility:
		vis, err := s.svc.GetDmFileVisibility(msg.DexPath)
		if err != nil {
			return nil, err
		}
		return &Response{Visibility: vis.String()}, nil

	case OpIsProfileUsable:
		p, err := requireProfile(msg)
		if err != nil {
			return nil, err
		}
		usable, err := s.svc.IsProfileUsable(s.ctx, p, msg.DexPath)
		if err != nil {
			return nil, err
		}
		return &Response{Bool: usable}, nil

	case OpCopyAndRewriteProfile:
		p, err := requireProfile(msg)
		if err != nil {
			return nil, err
		}
		out, err := requireOutput(msg)
		if err != nil {
			return nil, err
		}
		result, err := s.svc.CopyAndRewriteProfile(s.ctx, p, out, msg.DexPath)
		if err != nil {
			return nil, err
		}
		return &Response{Copy: copyResultRef(result)}, nil

	case OpCopyAndRewriteEmbedded:
		out, err := requireOutput(msg)
		if err != nil {
			return nil, err
		}
		result, err := s.svc.CopyAndRewriteEmbeddedProfile(s.ctx, out, msg.DexPath)
		if err != nil {
			return nil, err
		}
		return &Response{Copy: copyResultRef(result)}, nil

	case OpCommitTmpProfile:
		if msg.Profile == nil {
			return nil, errors.NewInvalidArgument("profile reference is required")
		}
		tmp, err := msg.Profile.toTmpPath()
		if err != nil {
			return nil, err
		}
		if err := s.svc.CommitTmpProfile(tmp); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case OpDeleteProfile:
		p, err := requireProfile(msg)
		if err != nil {
			return nil, err
		}
		if err := s.svc.DeleteProfile(p); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case OpMergeProfiles:
		return s.mergeProfiles(msg)

	case OpDexopt:
		return s.runDexopt(msg)

	case OpCreateCancellationSignal:
		id := fmt.Sprintf("sig-%d", atomic.AddUint64(&s.nextHandle, 1))
		s.signalsMu.Lock()
		s.signals[id] = s.svc.NewCancellationSignal()
		s.signalsMu.Unlock()
		return &Response{CancelID: id}, nil

	case OpCancel:
		signal, err := s.takeSignal(msg.CancelID)
		if err != nil {
			return nil, err
		}
		signal.Fire()
		return &Response{}, nil

	case OpMaybeCreateSdc:
		artifact, err := requireArtifact(msg)
		if err != nil {
			return nil, err
		}
		if msg.Perm == nil {
			return nil, errors.NewInvalidArgument("permission policy is required")
		}
		if err := s.svc.MaybeCreateSdc(artifact, msg.Perm.toPerm()); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case OpDeleteSdmSdcFiles:
		artifact, err := requireArtifact(msg)
		if err != nil {
			return nil, err
		}
		freed, err := s.svc.DeleteSdmSdcFiles(artifact)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: freed}, nil

	case OpCleanup:
		if msg.ManagedRoots == nil {
			return nil, errors.NewInvalidArgument("managed roots are required")
		}
		roots, err := msg.ManagedRoots.toRoots()
		if err != nil {
			return nil, err
		}
		freed, err := s.svc.Cleanup(roots, msg.KeepStaged)
		if err != nil {
			return nil, err
		}
		return &Response{Bytes: freed}, nil

	case OpCleanupPreRebootStaged:
		s.svc.CleanupPreRebootStagedFiles()
		return &Response{}, nil

	case OpIsInDalvikCache:
		inCache, err := s.svc.IsInDalvikCache(msg.DexPath)
		if err != nil {
			return nil, err
		}
		return &Response{Bool: inCache}, nil

	case OpCommitPreRebootStaged:
		return s.commitPreRebootStaged(msg)

	case OpCheckPreRebootSystem:
		ok, err := s.svc.CheckPreRebootSystemRequirements(msg.ChrootDir)
		if err != nil {
			return nil, err
		}
		return &Response{Bool: ok}, nil

	case OpPreRebootInit:
		var signal *artexec.CancellationSignal
		if msg.CancelID != "" {
			var err error
			signal, err = s.lookupSignal(msg.CancelID)
			if err != nil {
				return nil, err
			}
		}
		ok, err := s.svc.PreRebootInit(s.ctx, signal)
		if err != nil {
			return nil, err
		}
		return &Response{Bool: ok}, nil

	case OpInitProfileNotification:
		p, err := requireProfile(msg)
		if err != nil {
			return nil, err
		}
		n, err := s.svc.InitProfileSaveNotification(p, msg.PID)
		if err != nil {
			return nil, err
		}
		id := fmt.Sprintf("ntf-%d", atomic.AddUint64(&s.nextHandle, 1))
		s.notifyMu.Lock()
		s.notifications[id] = n
		s.notifyMu.Unlock()
		return &Response{NotifyID: id}, nil

	case OpWaitProfileNotification:
		n, err := s.lookupNotification(msg.NotifyID)
		if err != nil {
			return nil, err
		}
		fired, err := n.Wait(msg.TimeoutMs)
		if err != nil {
			return nil, err
		}
		return &Response{Bool: fired}, nil

	case OpCloseProfileNotification:
		s.notifyMu.Lock()
		n, ok := s.notifications[msg.NotifyID]
		delete(s.notifications, msg.NotifyID)
		s.notifyMu.Unlock()
		if !ok {
			return nil, errors.NewInvalidArgument("unknown notification %q", msg.NotifyID)
		}
		n.Close()
		return &Response{}, nil

	default:
		return nil, errors.NewInvalidArgument("unknown operation %q", msg.Operation)
	}
}

func (s *Server) mergeProfiles(msg *Message) (*Response, error) {
	inputs := make([]paths.ProfilePath, 0, len(msg.Profiles))
	for i := range msg.Profiles {
		p, err := msg.Profiles[i].toPath()
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, p)
	}
	out, err := requireOutput(msg)
	if err != nil {
		return nil, err
	}
	var reference paths.ProfilePath
	if msg.Reference != nil {
		reference, err = msg.Reference.toPath()
		if err != nil {
			return nil, err
		}
	}
	var opts profile.MergeOptions
	if msg.MergeOptions != nil {
		opts = profile.MergeOptions{
			ForceMerge:            msg.MergeOptions.ForceMerge,
			ForBootImage:          msg.MergeOptions.ForBootImage,
			DumpOnly:              msg.MergeOptions.DumpOnly,
			DumpClassesAndMethods: msg.MergeOptions.DumpClassesAndMethods,
		}
	}
	written, err := s.svc.MergeProfiles(s.ctx, inputs, reference, out, msg.DexPaths, opts)
	if err != nil {
		return nil, err
	}
	if written == nil {
		return &Response{Bool: false}, nil
	}
	return &Response{Bool: true, TmpPath: written.TmpPath, ID: written.ID}, nil
}

func (s *Server) runDexopt(msg *Message) (*Response, error) {
	if msg.Dexopt == nil {
		return nil, errors.NewInvalidArgument("dexopt request is required")
	}
	req, err := msg.Dexopt.toRequest()
	if err != nil {
		return nil, err
	}
	var signal *artexec.CancellationSignal
	if msg.CancelID != "" {
		signal, err = s.lookupSignal(msg.CancelID)
		if err != nil {
			return nil, err
		}
	}
	result, err := s.svc.Dexopt(s.ctx, req, signal)
	if err != nil {
		return nil, err
	}
	return &Response{Dexopt: &DexoptResultRef{
		Cancelled:     result.Cancelled,
		WallTimeMs:    result.WallTimeMs,
		CPUTimeMs:     result.CPUTimeMs,
		TotalNewBytes: result.TotalNewBytes,
		TotalOldBytes: result.TotalOldBytes,
	}}, nil
}

func (s *Server) commitPreRebootStaged(msg *Message) (*Response, error) {
	artifacts := make([]paths.ArtifactPath, 0, len(msg.Artifacts))
	for i := range msg.Artifacts {
		a, err := msg.Artifacts[i].toPath()
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	profiles := make([]paths.ProfilePath, 0, len(msg.Profiles))
	for i := range msg.Profiles {
		p, err := msg.Profiles[i].toPath()
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	committed, err := s.svc.CommitPreRebootStagedFiles(artifacts, profiles)
	if err != nil {
		return nil, err
	}
	return &Response{Bool: committed}, nil
}

// lookupSignal returns a registered signal without removing it.
func (s *Server) lookupSignal(id string) (*artexec.CancellationSignal, error) {
	s.signalsMu.Lock()
	defer s.signalsMu.Unlock()
	signal, ok := s.signals[id]
	if !ok {
		return nil, errors.NewInvalidArgument("unknown cancellation signal %q", id)
	}
	return signal, nil
}

// takeSignal removes and returns a registered signal. Firing is
// terminal, so a cancelled handle has no further use.
func (s *Server) takeSignal(id string) (*artexec.CancellationSignal, error) {
	s.signalsMu.Lock()
	defer s.signalsMu.Unlock()
	signal, ok := s.signals[id]
	if !ok {
		return nil, errors.NewInvalidArgument("unknown cancellation signal %q", id)
	}
	delete(s.signals, id)
	return signal, nil
}

func (s *Server) lookupNotification(id string) (*notify.Notification, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, errors.NewInvalidArgument("unknown notification %q", id)
	}
	return n, nil
}

func (s *Server) makeError(requestID string, err error) *Response {
	return &Response{
		RequestID:    requestID,
		Success:      false,
		Error:        err.Error(),
		IllegalState: errors.IsIllegalState(err),
	}
}

func requireArtifact(msg *Message) (paths.ArtifactPath, error) {
	if msg.Artifact == nil {
		return paths.ArtifactPath{}, errors.NewInvalidArgument("artifact reference is required")
	}
	return msg.Artifact.toPath()
}

func requireProfile(msg *Message) (paths.ProfilePath, error) {
	if msg.Profile == nil {
		return nil, errors.NewInvalidArgument("profile reference is required")
	}
	return msg.Profile.toPath()
}

func requireOutput(msg *Message) (*profile.OutputProfile, error) {
	if msg.Output == nil {
		return nil, errors.NewInvalidArgument("output profile is required")
	}
	return msg.Output.toOutput()
}

func copyResultRef(result *profile.CopyResult) *CopyResultRef {
	return &CopyResultRef{
		Status:  result.Status.String(),
		Message: result.Message,
		TmpPath: result.TmpPath,
		ID:      result.ID,
	}
}
