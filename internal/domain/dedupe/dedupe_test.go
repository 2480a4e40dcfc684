package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	dedupe "github.com/okian/fieldsync/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInFlightGuard(t *testing.T) {
	Convey("Given a new in-flight guard", t, func() {
		ctx := context.Background()

		Convey("When creating a guard with default options", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("Then it should be empty", func() {
				So(d, ShouldNotBeNil)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When a record is acquired", func() {
			d := dedupe.NewInMemoryDeduper()
			first := d.SeenAndRecord(ctx, "ck-1")
			second := d.SeenAndRecord(ctx, "ck-1")

			Convey("Then a second acquire is refused", func() {
				So(first, ShouldBeFalse)
				So(second, ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And after release it can be acquired again", func() {
				d.Unrecord(ctx, "ck-1")
				So(d.Size(), ShouldEqual, 0)
				So(d.SeenAndRecord(ctx, "ck-1"), ShouldBeFalse)
			})
		})

		Convey("When releasing an unknown key", func() {
			d := dedupe.NewInMemoryDeduper()
			d.Unrecord(ctx, "never-held")

			Convey("Then nothing changes", func() {
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When the guard is at capacity", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(2))
			So(d.SeenAndRecord(ctx, "a"), ShouldBeFalse)
			So(d.SeenAndRecord(ctx, "b"), ShouldBeFalse)

			Convey("Then new keys are refused without evicting held ones", func() {
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "a"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 2)
			})
		})

		Convey("When the guard is unbounded", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
			for i := 0; i < 5000; i++ {
				d.SeenAndRecord(ctx, fmt.Sprintf("k-%d", i))
			}

			Convey("Then every key is held", func() {
				So(d.Size(), ShouldEqual, 5000)
			})
		})

		Convey("When many goroutines race for the same key", func() {
			d := dedupe.NewInMemoryDeduper()
			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if !d.SeenAndRecord(ctx, "shared") {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one wins", func() {
				So(winners.Load(), ShouldEqual, 1)
			})
		})
	})
}
