// Package mongo implements the session store on MongoDB. Steps live in one
// collection under a unique (session_id, sequence) index, run records in a
// second, and per-session sequence counters in a third so allocation is a
// single findOneAndUpdate round trip.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/step"
)

type (
	// Client exposes the MongoDB-backed persistence operations. It embeds
	// the session store contract and clue's health pinger so deployments
	// can mount it on a health endpoint.
	Client interface {
		session.Store
		health.Pinger

		// EnsureIndexes creates the required indexes. Idempotent.
		EnsureIndexes(ctx context.Context) error
		// Close disconnects the underlying driver client.
		Close(ctx context.Context) error
	}

	// Options configures the client.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongo.Client
		// Database holds the collections. Required.
		Database string
		// StepsCollection defaults to "steps".
		StepsCollection string
		// RunsCollection defaults to "runs".
		RunsCollection string
		// CountersCollection defaults to "sequence_counters".
		CountersCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		mc       *mongo.Client
		steps    *mongo.Collection
		runs     *mongo.Collection
		counters *mongo.Collection
		timeout  time.Duration
	}
)

const (
	defaultStepsCollection    = "steps"
	defaultRunsCollection     = "runs"
	defaultCountersCollection = "sequence_counters"
	defaultTimeout            = 5 * time.Second
)

// New constructs a Client and ensures its indexes.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database is required")
	}
	stepsName := opts.StepsCollection
	if stepsName == "" {
		stepsName = defaultStepsCollection
	}
	runsName := opts.RunsCollection
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	countersName := opts.CountersCollection
	if countersName == "" {
		countersName = defaultCountersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mc:       opts.Client,
		steps:    db.Collection(stepsName),
		runs:     db.Collection(runsName),
		counters: db.Collection(countersName),
		timeout:  timeout,
	}
	if err := c.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return c, nil
}

// EnsureIndexes creates the step, run and lookup indexes.
func (c *client) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "sequence", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("session_sequence"),
		},
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("step_id"),
		},
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetName("run"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("created"),
		},
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "tool_call_id", Value: 1},
			},
			Options: options.Index().SetName("session_tool_call"),
		},
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "workflow_id", Value: 1},
				{Key: "node_id", Value: 1},
				{Key: "sequence", Value: -1},
			},
			Options: options.Index().SetName("session_workflow_node"),
		},
	})
	if err != nil {
		return err
	}
	_, err = c.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("run_id"),
		},
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "status", Value: 1},
			},
			Options: options.Index().SetName("session_status"),
		},
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("session_created"),
		},
	})
	return err
}

// AllocateSequence increments the session's counter document and returns the
// new value. The counter is floored at the current max stored sequence so
// sessions populated by forks keep counting upward.
func (c *client) AllocateSequence(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	maxSeq, err := c.maxSequence(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	update := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{{Key: "seq", Value: bson.D{{Key: "$add", Value: bson.A{
			bson.D{{Key: "$max", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$seq", int64(0)}}},
				maxSeq,
			}}},
			int64(1),
		}}}}}}},
	}
	res := c.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: sessionID}},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return doc.Seq, nil
}

// SaveStep upserts the step keyed by (session_id, sequence).
func (c *client) SaveStep(ctx context.Context, st *step.Step) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.ReplaceOne(ctx,
		stepKey(st),
		st,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save step %d: %w", st.Sequence, err)
	}
	return nil
}

// SaveSteps upserts the batch in one bulk write.
func (c *client) SaveSteps(ctx context.Context, steps []*step.Step) error {
	if len(steps) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	models := make([]mongo.WriteModel, len(steps))
	for i, st := range steps {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(stepKey(st)).
			SetReplacement(st).
			SetUpsert(true)
	}
	if _, err := c.steps.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("save steps: %w", err)
	}
	return nil
}

// GetSteps returns matching steps in ascending sequence order.
func (c *client) GetSteps(ctx context.Context, sessionID string, f session.StepFilter) ([]*step.Step, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "session_id", Value: sessionID}}
	if f.StartSeq > 0 || f.EndSeq > 0 {
		rng := bson.D{}
		if f.StartSeq > 0 {
			rng = append(rng, bson.E{Key: "$gte", Value: f.StartSeq})
		}
		if f.EndSeq > 0 {
			rng = append(rng, bson.E{Key: "$lt", Value: f.EndSeq})
		}
		filter = append(filter, bson.E{Key: "sequence", Value: rng})
	}
	if f.RunID != "" {
		filter = append(filter, bson.E{Key: "run_id", Value: f.RunID})
	}
	if f.WorkflowID != "" {
		filter = append(filter, bson.E{Key: "workflow_id", Value: f.WorkflowID})
	}
	if f.NodeID != "" {
		filter = append(filter, bson.E{Key: "node_id", Value: f.NodeID})
	}
	if f.BranchKey != "" {
		filter = append(filter, bson.E{Key: "branch_key", Value: f.BranchKey})
	}
	if f.RunnableID != "" {
		filter = append(filter, bson.E{Key: "runnable_id", Value: f.RunnableID})
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if f.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(f.Limit))
	}
	cur, err := c.steps.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer cur.Close(ctx)
	var out []*step.Step
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return out, nil
}

// GetLastStep returns the step with the highest sequence.
func (c *client) GetLastStep(ctx context.Context, sessionID string) (*step.Step, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var st step.Step
	err := c.steps.FindOne(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get last step: %w", err)
	}
	return &st, nil
}

// MaxSequence returns the highest stored sequence.
func (c *client) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.maxSequence(ctx, sessionID)
}

// DeleteStepsFrom removes steps with sequence >= startSeq.
func (c *client) DeleteStepsFrom(ctx context.Context, sessionID string, startSeq int64) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.steps.DeleteMany(ctx, bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "sequence", Value: bson.D{{Key: "$gte", Value: startSeq}}},
	})
	if err != nil {
		return 0, fmt.Errorf("delete steps: %w", err)
	}
	return res.DeletedCount, nil
}

// GetStepByToolCallID returns the tool step answering the call.
func (c *client) GetStepByToolCallID(ctx context.Context, sessionID, toolCallID string) (*step.Step, error) {
	if toolCallID == "" {
		return nil, errors.New("tool call id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var st step.Step
	err := c.steps.FindOne(ctx, bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "tool_call_id", Value: toolCallID},
	}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step by tool call id: %w", err)
	}
	return &st, nil
}

// LastAssistantContent returns the most recent assistant content within the
// optional workflow/node scope.
func (c *client) LastAssistantContent(ctx context.Context, sessionID, workflowID, nodeID string) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "role", Value: "assistant"},
	}
	if workflowID != "" {
		filter = append(filter, bson.E{Key: "workflow_id", Value: workflowID})
	}
	if nodeID != "" {
		filter = append(filter, bson.E{Key: "node_id", Value: nodeID})
	}
	var st step.Step
	err := c.steps.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("last assistant content: %w", err)
	}
	return st.Content, true, nil
}

// SaveRun upserts the run record keyed by run id.
func (c *client) SaveRun(ctx context.Context, r *step.Run) error {
	if r == nil || r.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.runs.ReplaceOne(ctx,
		bson.D{{Key: "run_id", Value: r.ID}},
		r,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the run record.
func (c *client) GetRun(ctx context.Context, runID string) (*step.Run, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var r step.Run
	err := c.runs.FindOne(ctx, bson.D{{Key: "run_id", Value: runID}}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns matching runs, most recently created first.
func (c *client) ListRuns(ctx context.Context, f session.RunFilter) ([]*step.Run, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.D{}
	if f.SessionID != "" {
		filter = append(filter, bson.E{Key: "session_id", Value: f.SessionID})
	}
	if len(f.Statuses) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: f.Statuses}}})
	}
	cur, err := c.runs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer cur.Close(ctx)
	var out []*step.Run
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return out, nil
}

// DeleteRun removes the run record if present.
func (c *client) DeleteRun(ctx context.Context, runID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.runs.DeleteOne(ctx, bson.D{{Key: "run_id", Value: runID}}); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// Name implements health.Pinger.
func (c *client) Name() string { return "mongo" }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.mc.Ping(ctx, readpref.Primary())
}

// Close disconnects the driver client.
func (c *client) Close(ctx context.Context) error {
	return c.mc.Disconnect(ctx)
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) maxSequence(ctx context.Context, sessionID string) (int64, error) {
	var doc struct {
		Sequence int64 `bson:"sequence"`
	}
	err := c.steps.FindOne(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.FindOne().
			SetSort(bson.D{{Key: "sequence", Value: -1}}).
			SetProjection(bson.D{{Key: "sequence", Value: 1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return doc.Sequence, nil
}

func stepKey(st *step.Step) bson.D {
	return bson.D{
		{Key: "session_id", Value: st.SessionID},
		{Key: "sequence", Value: st.Sequence},
	}
}
