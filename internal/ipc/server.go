package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"unpackd/internal/daemon"
	"unpackd/internal/logging"
	"unpackd/internal/pipeline"
	"unpackd/internal/queue"
)

// Server exposes job control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	svc := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: serverCtx}
	if err := rpcServer.RegisterName("Unpackd", svc); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path), logging.Error(err))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func jobItem(job *queue.Job) JobItem {
	return JobItem{
		ID:               job.ID,
		Owner:            job.OwnerID,
		Source:           job.SourceRef,
		SourceKind:       string(job.SourceKind),
		ArchiveName:      job.ArchiveName,
		Format:           job.Format,
		Status:           string(job.Status),
		FailureReason:    string(job.FailureReason),
		ErrorMessage:     job.ErrorMessage,
		ProgressPhase:    job.ProgressPhase,
		ProgressPercent:  job.ProgressPercent,
		ProgressMessage:  job.ProgressMessage,
		PasswordAttempts: job.PasswordAttempts,
		Warnings:         job.Warnings(),
		WorkspaceReaped:  job.WorkspaceReaped,
		CreatedAt:        job.CreatedAt,
		RetainUntil:      job.RetainUntil,
	}
}

func memberItem(mf *pipeline.MemberFile) MemberItem {
	return MemberItem{
		Index:     mf.Member.Index,
		Path:      mf.Member.Path,
		Size:      mf.Member.Size,
		Category:  string(mf.Member.Category),
		LocalPath: mf.Path,
	}
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StartedAt = status.StartedAt
	resp.QueueDBPath = status.QueueDBPath
	resp.SocketPath = status.SocketPath
	resp.Stats = make(map[string]int, len(status.Stats))
	for k, v := range status.Stats {
		resp.Stats[string(k)] = v
	}
	resp.Health = HealthItem{
		Total:     status.Health.Total,
		Queued:    status.Health.Queued,
		Active:    status.Health.Active,
		Completed: status.Health.Completed,
		Failed:    status.Health.Failed,
		Cancelled: status.Health.Cancelled,
	}
	return nil
}

func (s *service) Admit(req AdmitRequest, resp *AdmitResponse) error {
	kind := queue.SourceLink
	if req.Kind == string(queue.SourceUpload) {
		kind = queue.SourceUpload
	}
	job, err := s.daemon.Admit(s.ctx, req.Owner, req.Source, kind)
	if err != nil {
		return err
	}
	resp.Job = jobItem(job)
	s.logger.Info("job admitted via IPC",
		logging.Int64("job_id", job.ID), logging.String("owner", req.Owner))
	return nil
}

func (s *service) Password(req PasswordRequest, resp *PasswordResponse) error {
	if err := s.daemon.SupplyPassword(s.ctx, req.JobID, req.Password); err != nil {
		return err
	}
	resp.Accepted = true
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	if err := s.daemon.Cancel(s.ctx, req.JobID); err != nil {
		return err
	}
	resp.Cancelled = true
	s.logger.Info("job cancelled via IPC", logging.Int64("job_id", req.JobID))
	return nil
}

func (s *service) Jobs(req JobsRequest, resp *JobsResponse) error {
	statuses := make([]queue.Status, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		if parsed, ok := queue.ParseStatus(raw); ok {
			statuses = append(statuses, parsed)
		}
	}
	jobs, err := s.daemon.List(s.ctx, statuses...)
	if err != nil {
		return err
	}
	resp.Items = make([]JobItem, 0, len(jobs))
	for _, job := range jobs {
		resp.Items = append(resp.Items, jobItem(job))
	}
	return nil
}

func (s *service) Describe(req DescribeRequest, resp *DescribeResponse) error {
	if req.JobID <= 0 {
		return fmt.Errorf("invalid job id %d", req.JobID)
	}
	view, err := s.daemon.Query(s.ctx, req.JobID)
	if err != nil {
		return err
	}
	resp.Job = jobItem(&view.Job)

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = s.daemon.PageSize()
	}

	if view.Index != nil {
		resp.MemberCount = view.Index.Count()
		resp.MemberPages = view.Index.PageCount(pageSize)
		resp.FolderCount = view.Index.FolderCount
		resp.MaxDepth = view.Index.MaxDepth
		resp.TotalBytes = view.Index.TotalBytes
		resp.Counts = make(map[string]int, len(view.Index.Counts))
		for cat, n := range view.Index.Counts {
			resp.Counts[string(cat)] = n
		}
		for _, m := range view.Index.Page(req.Page, pageSize) {
			resp.Members = append(resp.Members, MemberItem{
				Index:    m.Index,
				Path:     m.Path,
				Size:     m.Size,
				Category: string(m.Category),
			})
		}
	}

	if view.Links != nil {
		resp.LinkCount = view.Links.Count()
		resp.LinkPages = view.Links.PageCount(pageSize)
		resp.LinkCounts = make(map[string]int, len(view.Links.Counts))
		for kind, n := range view.Links.Counts {
			resp.LinkCounts[string(kind)] = n
		}
		for _, rec := range view.Links.Page(req.Page, pageSize) {
			resp.Links = append(resp.Links, LinkItem{
				Index:      rec.Index,
				URL:        rec.URL,
				Kind:       string(rec.Kind),
				SourceFile: rec.SourceFile,
				Line:       rec.Line,
			})
		}
	}
	return nil
}

func (s *service) Fetch(req FetchRequest, resp *FetchResponse) error {
	mf, err := s.daemon.FetchMember(s.ctx, req.JobID, req.Index)
	if err != nil {
		return err
	}
	resp.Member = memberItem(mf)
	return nil
}

func (s *service) FetchAll(req FetchAllRequest, resp *FetchAllResponse) error {
	files, err := s.daemon.FetchAll(s.ctx, req.JobID)
	if err != nil {
		return err
	}
	resp.Members = make([]MemberItem, 0, len(files))
	for _, mf := range files {
		resp.Members = append(resp.Members, memberItem(mf))
	}
	return nil
}

func (s *service) Clean(req CleanRequest, resp *CleanResponse) error {
	if err := s.daemon.Acknowledge(s.ctx, req.JobID); err != nil {
		return err
	}
	resp.Reaped = true
	s.logger.Info("workspace reaped via IPC", logging.Int64("job_id", req.JobID))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.daemon.Stop()
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC")
	return nil
}
