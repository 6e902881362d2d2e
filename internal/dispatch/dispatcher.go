// Package dispatch routes IPC requests to handlers, authenticating callers
// against the client registry and deferring long-running replies through
// the single-flight coalescer.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/oriys/pulsar/internal/coalesce"
	"github.com/oriys/pulsar/internal/ipc"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/registry"
	"github.com/oriys/pulsar/internal/xconf"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline is the upgrade machinery behind the long-running methods.
type Pipeline interface {
	CheckForUpdate(ctx context.Context) *xconf.CheckResult
	DownloadFirmware(ctx context.Context, imageName string) (*ipc.DownloadReply, *ipc.ErrorReply)
	UpdateFirmware(ctx context.Context, req *ipc.UpdateRequest) *ipc.UpdateReply
}

// busResult is what a worker publishes through the coalescer: either a
// reply payload or an application-level error.
type busResult struct {
	payload any
	errCode string
	errMsg  string
}

// Dispatcher implements ipc.Handler.
type Dispatcher struct {
	ctx      context.Context
	clients  *registry.Registry
	tasks    *Tasks
	coal     *coalesce.Coalescer
	pipeline Pipeline
}

// New wires the dispatcher. ctx bounds worker goroutines and is normally
// the daemon's run context.
func New(ctx context.Context, clients *registry.Registry, pipeline Pipeline) *Dispatcher {
	d := &Dispatcher{
		ctx:      ctx,
		clients:  clients,
		tasks:    NewTasks(),
		pipeline: pipeline,
	}
	d.coal = coalesce.New(d.deliver)
	return d
}

// Tasks exposes the task table for observability output.
func (d *Dispatcher) Tasks() *Tasks { return d.tasks }

// deliver hands a published result to one parked task. Vanished tasks are
// dropped silently.
func (d *Dispatcher) deliver(taskID uint64, result any) bool {
	task := d.tasks.Take(taskID)
	if task == nil {
		return false
	}
	res, ok := result.(*busResult)
	if !ok {
		logging.Op().Error("unexpected published result type", "task", taskID)
		return false
	}
	return task.Reply(d.frame(task.FrameID, res))
}

func (d *Dispatcher) frame(frameID uint64, res *busResult) *ipc.Frame {
	if res.errCode != "" {
		payload, _ := json.Marshal(&ipc.ErrorReply{Code: res.errCode, Message: res.errMsg})
		return &ipc.Frame{Type: ipc.MsgError, ID: frameID, Payload: payload}
	}
	payload, _ := json.Marshal(res.payload)
	return &ipc.Frame{Type: ipc.MsgReply, ID: frameID, Payload: payload}
}

// HandleRequest authenticates, allocates a task and routes to the method
// handler. Register/Unregister always reply synchronously.
func (d *Dispatcher) HandleRequest(callerID string, frame *ipc.Frame, reply ipc.ReplyFunc) {
	method := ipc.MethodName(frame.Type)
	_, span := observability.StartServerSpan(d.ctx, "ipc."+method,
		observability.AttrMethod.String(method))
	defer span.End()

	switch frame.Type {
	case ipc.MsgRegisterProcess:
		d.handleRegister(callerID, frame, reply, span)
	case ipc.MsgUnregisterProcess:
		d.handleUnregister(callerID, frame, reply)
	case ipc.MsgCheckForUpdate:
		d.handleCheck(callerID, frame, reply, span)
	case ipc.MsgDownloadFirmware:
		d.handleDownload(callerID, frame, reply, span)
	case ipc.MsgUpdateFirmware:
		d.handleUpdate(callerID, frame, reply, span)
	default:
		// Bus-level error: the method does not exist.
		metrics.IPCRequest(method, "unknown_method")
		reply(d.frame(frame.ID, &busResult{
			errCode: ipc.CodeUnknownMethod,
			errMsg:  "unknown method type " + strconv.Itoa(frame.Type),
		}))
	}
}

// HandleDisconnect sweeps the registration and any parked tasks of a dead
// caller; their replies are dropped silently.
func (d *Dispatcher) HandleDisconnect(callerID string) {
	d.clients.DropCaller(callerID)
	for _, taskID := range d.tasks.DropCaller(callerID) {
		d.coal.Drop(taskID)
	}
}

func (d *Dispatcher) handleRegister(callerID string, frame *ipc.Frame, reply ipc.ReplyFunc, span trace.Span) {
	var req ipc.RegisterRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil || req.ProcessName == "" {
		metrics.IPCRequest("RegisterProcess", "malformed")
		reply(d.frame(frame.ID, &busResult{errCode: ipc.CodeMalformedArguments, errMsg: "process_name required"}))
		return
	}

	handlerID, err := d.clients.Register(req.ProcessName, req.LibVersion, callerID)
	if err != nil {
		if errors.Is(err, registry.ErrProcessMismatch) {
			metrics.IPCRequest("RegisterProcess", "rejected")
			reply(d.frame(frame.ID, &busResult{errCode: ipc.CodeMalformedArguments, errMsg: err.Error()}))
			return
		}
		reply(d.frame(frame.ID, &busResult{errCode: ipc.CodeUpdateError, errMsg: err.Error()}))
		return
	}
	span.SetAttributes(observability.AttrHandlerID.Int64(int64(handlerID)))
	metrics.IPCRequest("RegisterProcess", "ok")
	reply(d.frame(frame.ID, &busResult{payload: &ipc.RegisterReply{HandlerID: handlerID}}))
}

func (d *Dispatcher) handleUnregister(callerID string, frame *ipc.Frame, reply ipc.ReplyFunc) {
	var req ipc.UnregisterRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		metrics.IPCRequest("UnregisterProcess", "malformed")
		reply(d.frame(frame.ID, &busResult{errCode: ipc.CodeMalformedArguments, errMsg: "handler_id required"}))
		return
	}
	success := d.clients.Unregister(req.HandlerID)
	metrics.IPCRequest("UnregisterProcess", "ok")
	reply(d.frame(frame.ID, &busResult{payload: &ipc.UnregisterReply{Success: success}}))
}

// authenticate resolves the caller to its registration and cross-checks the
// handler id the client presented.
func (d *Dispatcher) authenticate(callerID, handlerID string) (*registry.Client, *busResult) {
	client, ok := d.clients.Lookup(callerID)
	if !ok {
		return nil, &busResult{errCode: ipc.CodeNotRegistered, errMsg: "caller is not registered"}
	}
	id, err := strconv.ParseUint(handlerID, 10, 64)
	if err != nil || id != client.HandlerID {
		return nil, &busResult{errCode: ipc.CodeNotRegistered, errMsg: "handler id does not match registration"}
	}
	return client, nil
}

func (d *Dispatcher) handleCheck(callerID string, frame *ipc.Frame, reply ipc.ReplyFunc, span trace.Span) {
	var req ipc.CheckRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		metrics.IPCRequest("CheckForUpdate", "malformed")
		reply(d.frame(frame.ID, &busResult{errCode: ipc.CodeMalformedArguments, errMsg: "bad payload"}))
		return
	}
	client, errRes := d.authenticate(callerID, req.HandlerID)
	if errRes != nil {
		metrics.IPCRequest("CheckForUpdate", "rejected")
		reply(d.frame(frame.ID, errRes))
		return
	}

	task := d.tasks.Create(callerID, client.HandlerID, frame.ID, frame.Type, reply)
	span.SetAttributes(
		observability.AttrHandlerID.Int64(int64(client.HandlerID)),
		observability.AttrTaskID.Int64(int64(task.ID)),
	)
	if d.coal.ClaimOrWait(coalesce.CheckUpdate, task.ID) == coalesce.Wait {
		metrics.IPCRequest("CheckForUpdate", "coalesced")
		return
	}
	metrics.IPCRequest("CheckForUpdate", "own")

	go func() {
		res := d.pipeline.CheckForUpdate(d.ctx)
		d.coal.Publish(coalesce.CheckUpdate, checkToBus(res))
	}()
}

func (d *Dispatcher) handleDownload(callerID string, frame *ipc.Frame, reply ipc.ReplyFunc, span trace.Span) {
	var req ipc.DownloadRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		metrics.IPCRequest("DownloadFirmware", "malformed")
		reply(d.frame(frame.ID, &busResult{errCode: ipc.CodeMalformedArguments, errMsg: "bad payload"}))
		return
	}
	client, errRes := d.authenticate(callerID, req.HandlerID)
	if errRes != nil {
		metrics.IPCRequest("DownloadFirmware", "rejected")
		reply(d.frame(frame.ID, errRes))
		return
	}

	task := d.tasks.Create(callerID, client.HandlerID, frame.ID, frame.Type, reply)
	span.SetAttributes(
		observability.AttrHandlerID.Int64(int64(client.HandlerID)),
		observability.AttrTaskID.Int64(int64(task.ID)),
	)
	if d.coal.ClaimOrWait(coalesce.DownloadFW, task.ID) == coalesce.Wait {
		// A concurrent download for a different image waits behind the
		// in-flight one and receives its result.
		metrics.IPCRequest("DownloadFirmware", "coalesced")
		return
	}
	metrics.IPCRequest("DownloadFirmware", "own")

	go func() {
		dl, derr := d.pipeline.DownloadFirmware(d.ctx, req.ImageName)
		if derr != nil {
			d.coal.Publish(coalesce.DownloadFW, &busResult{errCode: derr.Code, errMsg: derr.Message})
			return
		}
		d.coal.Publish(coalesce.DownloadFW, &busResult{payload: dl})
	}()
}

func (d *Dispatcher) handleUpdate(callerID string, frame *ipc.Frame, reply ipc.ReplyFunc, span trace.Span) {
	var req ipc.UpdateRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		metrics.IPCRequest("UpdateFirmware", "malformed")
		reply(d.frame(frame.ID, &busResult{errCode: ipc.CodeMalformedArguments, errMsg: "bad payload"}))
		return
	}
	client, errRes := d.authenticate(callerID, req.HandlerID)
	if errRes != nil {
		metrics.IPCRequest("UpdateFirmware", "rejected")
		reply(d.frame(frame.ID, errRes))
		return
	}

	task := d.tasks.Create(callerID, client.HandlerID, frame.ID, frame.Type, reply)
	span.SetAttributes(
		observability.AttrHandlerID.Int64(int64(client.HandlerID)),
		observability.AttrTaskID.Int64(int64(task.ID)),
	)
	metrics.IPCRequest("UpdateFirmware", "own")

	go func() {
		res := d.pipeline.UpdateFirmware(d.ctx, &req)
		if t := d.tasks.Take(task.ID); t != nil {
			t.Reply(d.frame(t.FrameID, &busResult{payload: res}))
		}
	}()
}

// checkToBus converts a cloud-query result to the published bus result.
func checkToBus(res *xconf.CheckResult) *busResult {
	switch res.Outcome {
	case xconf.UpdateAvailable:
		return &busResult{payload: &ipc.CheckReply{
			AvailableVersion: res.Spec.CloudFWVersion,
			UpdateDetails:    res.Spec.UpdateDetails(),
		}}
	case xconf.UpdateNotAvailable:
		return &busResult{errCode: ipc.CodeUpdateNotAvailable, errMsg: res.Message}
	default:
		return &busResult{errCode: ipc.CodeUpdateError, errMsg: res.Message}
	}
}
