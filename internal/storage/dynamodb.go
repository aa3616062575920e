package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

const (
	projectSK     = "METADATA"
	allProjectsPK = "ALL_PROJECTS"
)

// DynamoStore is a ProjectStore backed by a DynamoDB table with a GSI1 index
// listing projects by last update.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoStore creates a DynamoStore using the provided AWS configuration.
func NewDynamoStore(awsCfg aws.Config, tableName string) (*DynamoStore, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	return NewDynamoStoreFromClient(dynamodb.NewFromConfig(awsCfg), tableName), nil
}

// NewDynamoStoreFromClient creates a DynamoStore from an existing DynamoDB client.
func NewDynamoStoreFromClient(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

func projectKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "PROJECT#" + id},
		"sk": &types.AttributeValueMemberS{Value: projectSK},
	}
}

func listSortKey(updated time.Time, id string) string {
	return updated.UTC().Format(sortTimeLayout) + "#" + id
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (r *DynamoStore) Close() error { return nil }

// Ping checks that the table is reachable.
func (r *DynamoStore) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.tableName),
	})
	if err != nil {
		return fmt.Errorf("failed to describe table: %w", err)
	}
	return nil
}

// Create creates a new project record.
func (r *DynamoStore) Create(ctx context.Context, in *models.CreateInput) (*models.Project, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	project := newProject(in, time.Now())
	project.PK = "PROJECT#" + project.ID
	project.SK = projectSK
	project.GSI1PK = allProjectsPK
	project.GSI1SK = listSortKey(project.UpdatedAt, project.ID)

	item, err := attributevalue.MarshalMap(project)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("project already exists: %s", project.ID)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return project, nil
}

// Get retrieves a project by ID.
func (r *DynamoStore) Get(ctx context.Context, id string) (*models.Project, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            projectKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrProjectNotFound
	}

	var project models.Project
	if err := attributevalue.UnmarshalMap(result.Item, &project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}

	return &project, nil
}

// List retrieves project summaries, most recently updated first.
func (r *DynamoStore) List(ctx context.Context) ([]*models.Project, error) {
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: allProjectsPK},
		},
		ScanIndexForward: aws.Bool(false), // Descending order (newest first)
	})

	projects := []*models.Project{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}
		var batch []models.Project
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal projects: %w", err)
		}
		for i := range batch {
			projects = append(projects, batch[i].Summary())
		}
	}
	// GSI reads are eventually consistent; keep the order stable anyway.
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
	})
	return projects, nil
}

// Update applies patch with a single conditional UpdateItem.
func (r *DynamoStore) Update(ctx context.Context, id string, patch *models.Patch) (time.Time, error) {
	if err := patch.Validate(); err != nil {
		return time.Time{}, err
	}
	applied := stampPatch(patch)

	expr, err := buildUpdateExpression(id, patch, applied)
	if err != nil {
		return time.Time{}, err
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       projectKey(id),
		UpdateExpression:          aws.String(expr.expression()),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return time.Time{}, models.ErrProjectNotFound
		}
		return time.Time{}, fmt.Errorf("failed to update project: %w", err)
	}

	return applied, nil
}

// Delete removes a project record.
func (r *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 projectKey(id),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrProjectNotFound
		}
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// updateExpression collects SET and REMOVE clauses of one UpdateItem call.
type updateExpression struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]types.AttributeValue
	err     error
}

func (u *updateExpression) set(attr string, v any) {
	if u.err != nil {
		return
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		u.err = fmt.Errorf("failed to marshal %s: %w", attr, err)
		return
	}
	u.names["#"+attr] = attr
	u.values[":"+attr] = av
	u.sets = append(u.sets, fmt.Sprintf("#%s = :%s", attr, attr))
}

func (u *updateExpression) remove(attr string) {
	u.names["#"+attr] = attr
	u.removes = append(u.removes, "#"+attr)
}

func (u *updateExpression) expression() string {
	var b strings.Builder
	if len(u.sets) > 0 {
		b.WriteString("SET ")
		b.WriteString(strings.Join(u.sets, ", "))
	}
	if len(u.removes) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("REMOVE ")
		b.WriteString(strings.Join(u.removes, ", "))
	}
	return b.String()
}

// buildUpdateExpression translates a validated patch into DynamoDB clauses,
// following the same precedence as Patch.Apply.
func buildUpdateExpression(id string, patch *models.Patch, applied time.Time) (*updateExpression, error) {
	u := &updateExpression{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
	add := u.set

	if patch.ClearStoryboards {
		u.remove("storyboards")
		add("storyboards_count", 0)
		add("frames_count", 0)
	}
	if patch.ClearPosters {
		u.remove("poster_candidates")
		u.remove("poster_outputs")
		u.remove("poster_url")
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	errMsg := patch.ErrorMessage
	if patch.Storyboards != nil {
		empty := ""
		errMsg = &empty
	}
	if errMsg != nil {
		add("error_message", *errMsg)
	}
	if patch.VideoFilename != nil {
		add("video_filename", *patch.VideoFilename)
	}
	if patch.DurationSeconds != nil {
		add("duration_seconds", *patch.DurationSeconds)
	}
	if patch.PosterURL != nil {
		add("poster_url", *patch.PosterURL)
	}
	if patch.ProcessingStartedAt != nil {
		add("processing_started_at", patch.ProcessingStartedAt.UTC())
	}
	if patch.ProcessingEstimateSeconds != nil {
		add("processing_estimate_seconds", *patch.ProcessingEstimateSeconds)
	}
	if patch.Storyboards != nil {
		add("storyboards", patch.Storyboards)
		add("storyboards_count", len(patch.Storyboards.Storyboards))
		add("frames_count", patch.Storyboards.FramesCount())
	}
	if patch.PosterCandidates != nil {
		add("poster_candidates", *patch.PosterCandidates)
	}
	if patch.PosterOutputs != nil {
		add("poster_outputs", *patch.PosterOutputs)
	}
	add("updated_at", applied)
	add("gsi1sk", listSortKey(applied, id))

	if u.err != nil {
		return nil, u.err
	}
	return u, nil
}
