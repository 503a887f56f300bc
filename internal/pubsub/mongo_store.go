package pubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-xmpp-server/internal/config"
	ev "github.com/life-stream-dev/life-stream-go-xmpp-server/internal/event"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/utils"
)

const (
	NodeCollectionName    = "pubsub_nodes"
	StateCollectionName   = "pubsub_state"
	ItemCollectionName    = "pubsub_items"
	CounterCollectionName = "pubsub_counters"
	FreeIdxCollectionName = "pubsub_free_idx"
)

var OperationTimeout time.Duration

type DBCloseCallback struct {
	client *mongo.Client
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

// ConnectDatabase 建立Mongo连接并确保索引存在
func ConnectDatabase() (*mongo.Client, *mongo.Database, error) {
	logger.DebugF("Connecting to database...")
	config, err := c.GetConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %v", err)
	}

	OperationTimeout = utils.ParseStringTime(config.Database.OperationTimeout)

	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.Database.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(config.Database.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.Database.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(config.Database.Heartbeat))
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %v", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %v", err)
	}

	db := client.Database(config.Database.Database)

	indexCtx := context.Background()
	_, err = db.Collection(NodeCollectionName).Indexes().CreateOne(indexCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "host", Value: 1}, {Key: "path", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("nodes_host_path_unique"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while creating database indexes: %v", err)
	}
	_, err = db.Collection(StateCollectionName).Indexes().CreateOne(indexCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "jid", Value: 1}, {Key: "node_idx", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("state_jid_idx_unique"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while creating database indexes: %v", err)
	}
	_, err = db.Collection(ItemCollectionName).Indexes().CreateOne(indexCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "node_idx", Value: 1}, {Key: "item_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("items_idx_id_unique"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while creating database indexes: %v", err)
	}

	ev.NewCleaner().Add(&DBCloseCallback{client: client})
	return client, db, nil
}

// HandleErr 统一分类数据库错误
func HandleErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

// MongoStore 基于MongoDB的节点库
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{client: client, db: db}
}

func (ds *MongoStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if OperationTimeout > 0 {
		return context.WithTimeout(ctx, OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// Transaction 在Mongo会话中执行fn，冲突中止时重试一次
func (ds *MongoStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := ds.client.StartSession()
	if err != nil {
		return HandleErr(err)
	}
	defer session.EndSession(ctx)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		_, lastErr = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return nil, fn(sc)
		})
		if lastErr == nil {
			return nil
		}
		logger.WarnF("Transaction aborted (attempt %d), details: %v", attempt+1, lastErr)
	}
	return lastErr
}

func (ds *MongoStore) SyncDirty(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (ds *MongoStore) UpsertNode(ctx context.Context, node *Node) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "host", Value: node.Host}, {Key: "path", Value: node.Path}}
	opts := options.Replace().SetUpsert(true)
	result, err := ds.db.Collection(NodeCollectionName).ReplaceOne(ctx, filter, node, opts)
	if err != nil {
		return HandleErr(err)
	}
	logger.DebugF("Node saved: host=%s, path=%s, matched=%d, upserted=%v",
		node.Host, node.Path, result.MatchedCount, result.UpsertedID != nil)
	return nil
}

func (ds *MongoStore) FetchNode(ctx context.Context, host, path string) (*Node, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "host", Value: host}, {Key: "path", Value: path}}
	var node Node

	startTime := time.Now()
	err := ds.db.Collection(NodeCollectionName).FindOne(ctx, filter).Decode(&node)
	logger.DebugF("node query cost: %v", time.Since(startTime))

	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNodeNotFound
		}
		return nil, HandleErr(err)
	}
	return &node, nil
}

func (ds *MongoStore) FetchNodeByIdx(ctx context.Context, idx int64) (*Node, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	var node Node
	err := ds.db.Collection(NodeCollectionName).FindOne(ctx, bson.D{{Key: "node_idx", Value: idx}}).Decode(&node)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNodeNotFound
		}
		return nil, HandleErr(err)
	}
	return &node, nil
}

func (ds *MongoStore) FetchNodes(ctx context.Context, host string) ([]*Node, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	cursor, err := ds.db.Collection(NodeCollectionName).Find(ctx, bson.D{{Key: "host", Value: host}})
	if err != nil {
		return nil, HandleErr(err)
	}
	var nodes []*Node
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, HandleErr(err)
	}
	return nodes, nil
}

func (ds *MongoStore) FetchChildNodes(ctx context.Context, host, parentPath string) ([]*Node, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "host", Value: host}, {Key: "parents", Value: parentPath}}
	cursor, err := ds.db.Collection(NodeCollectionName).Find(ctx, filter)
	if err != nil {
		return nil, HandleErr(err)
	}
	var nodes []*Node
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, HandleErr(err)
	}
	return nodes, nil
}

func (ds *MongoStore) DeleteNode(ctx context.Context, host, path string) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	result, err := ds.db.Collection(NodeCollectionName).DeleteOne(ctx, bson.D{{Key: "host", Value: host}, {Key: "path", Value: path}})
	if err != nil {
		return HandleErr(err)
	}
	if result.DeletedCount == 0 {
		return ErrNodeNotFound
	}
	logger.InfoF("Node deleted: host=%s, path=%s", host, path)
	return nil
}

func (ds *MongoStore) AllocateNodeIdx(ctx context.Context) (int64, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	// 优先复用空闲表中的序号
	var freed struct {
		Idx int64 `bson:"idx"`
	}
	err := ds.db.Collection(FreeIdxCollectionName).FindOneAndDelete(ctx, bson.D{}).Decode(&freed)
	if err == nil {
		return freed.Idx, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, HandleErr(err)
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var counter struct {
		Value int64 `bson:"value"`
	}
	err = ds.db.Collection(CounterCollectionName).FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: "node_idx"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, HandleErr(err)
	}
	return counter.Value, nil
}

func (ds *MongoStore) ReleaseNodeIdx(ctx context.Context, idx int64) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	_, err := ds.db.Collection(FreeIdxCollectionName).InsertOne(ctx, bson.D{{Key: "idx", Value: idx}})
	return HandleErr(err)
}

func (ds *MongoStore) UpsertState(ctx context.Context, rec *StateRecord) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "jid", Value: rec.JID}, {Key: "node_idx", Value: rec.NodeIdx}}
	opts := options.Replace().SetUpsert(true)
	_, err := ds.db.Collection(StateCollectionName).ReplaceOne(ctx, filter, rec, opts)
	return HandleErr(err)
}

func (ds *MongoStore) FetchState(ctx context.Context, jid string, idx int64) (*StateRecord, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "jid", Value: jid}, {Key: "node_idx", Value: idx}}
	var rec StateRecord
	err := ds.db.Collection(StateCollectionName).FindOne(ctx, filter).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStateNotFound
		}
		return nil, HandleErr(err)
	}
	return &rec, nil
}

func (ds *MongoStore) FetchStates(ctx context.Context, idx int64) ([]*StateRecord, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	cursor, err := ds.db.Collection(StateCollectionName).Find(ctx, bson.D{{Key: "node_idx", Value: idx}})
	if err != nil {
		return nil, HandleErr(err)
	}
	var recs []*StateRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, HandleErr(err)
	}
	return recs, nil
}

func (ds *MongoStore) FetchStatesByJID(ctx context.Context, jid string) ([]*StateRecord, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	cursor, err := ds.db.Collection(StateCollectionName).Find(ctx, bson.D{{Key: "jid", Value: jid}})
	if err != nil {
		return nil, HandleErr(err)
	}
	var recs []*StateRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, HandleErr(err)
	}
	return recs, nil
}

func (ds *MongoStore) DeleteState(ctx context.Context, jid string, idx int64) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	_, err := ds.db.Collection(StateCollectionName).DeleteOne(ctx, bson.D{{Key: "jid", Value: jid}, {Key: "node_idx", Value: idx}})
	return HandleErr(err)
}

func (ds *MongoStore) DeleteStates(ctx context.Context, idx int64) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	_, err := ds.db.Collection(StateCollectionName).DeleteMany(ctx, bson.D{{Key: "node_idx", Value: idx}})
	return HandleErr(err)
}

func (ds *MongoStore) UpsertItem(ctx context.Context, item *Item) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "node_idx", Value: item.NodeIdx}, {Key: "item_id", Value: item.ID}}
	opts := options.Replace().SetUpsert(true)
	_, err := ds.db.Collection(ItemCollectionName).ReplaceOne(ctx, filter, item, opts)
	return HandleErr(err)
}

func (ds *MongoStore) FetchItem(ctx context.Context, idx int64, itemID string) (*Item, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "node_idx", Value: idx}, {Key: "item_id", Value: itemID}}
	var item Item
	err := ds.db.Collection(ItemCollectionName).FindOne(ctx, filter).Decode(&item)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrItemNotFound
		}
		return nil, HandleErr(err)
	}
	return &item, nil
}

func (ds *MongoStore) FetchItems(ctx context.Context, idx int64) ([]*Item, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "modified_at", Value: -1}})
	cursor, err := ds.db.Collection(ItemCollectionName).Find(ctx, bson.D{{Key: "node_idx", Value: idx}}, opts)
	if err != nil {
		return nil, HandleErr(err)
	}
	var items []*Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, HandleErr(err)
	}
	return items, nil
}

func (ds *MongoStore) CountItems(ctx context.Context, idx int64) (int, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	n, err := ds.db.Collection(ItemCollectionName).CountDocuments(ctx, bson.D{{Key: "node_idx", Value: idx}})
	if err != nil {
		return 0, HandleErr(err)
	}
	return int(n), nil
}

func (ds *MongoStore) DeleteItem(ctx context.Context, idx int64, itemID string) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	result, err := ds.db.Collection(ItemCollectionName).DeleteOne(ctx, bson.D{{Key: "node_idx", Value: idx}, {Key: "item_id", Value: itemID}})
	if err != nil {
		return HandleErr(err)
	}
	if result.DeletedCount == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (ds *MongoStore) DeleteItems(ctx context.Context, idx int64) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	_, err := ds.db.Collection(ItemCollectionName).DeleteMany(ctx, bson.D{{Key: "node_idx", Value: idx}})
	return HandleErr(err)
}
