package measurements

import (
	"context"
	"sort"
)

type indexedImageSet struct {
	index    int
	imageSet int
}

// PlanGroups partitions the given image sets into ordered units of work.
//
// When the store declares grouping, every group is the group-index-sorted
// sequence of image sets sharing one group number, and groups are emitted in
// group-number order. The boolean is true in that case, meaning workers run
// the post-group hook themselves. Without group metadata every image set is
// its own trivial group and the hook runs in the coordinator after the run.
func PlanGroups(ctx context.Context, store *Store, imageSets []int) ([][]int, bool, error) {
	hasGroups, err := store.HasGroups(ctx)
	if err != nil {
		return nil, false, err
	}

	if !hasGroups {
		groups := make([][]int, 0, len(imageSets))
		for _, n := range imageSets {
			groups = append(groups, []int{n})
		}
		return groups, false, nil
	}

	byNumber := map[int][]indexedImageSet{}
	for _, n := range imageSets {
		number, index, _, err := store.groupMetadata(ctx, n)
		if err != nil {
			return nil, false, err
		}
		byNumber[number] = append(byNumber[number], indexedImageSet{index: index, imageSet: n})
	}

	groups := make([][]int, 0, len(byNumber))
	for _, number := range sortedKeys(byNumber) {
		members := byNumber[number]
		sort.Slice(members, func(i, j int) bool { return members[i].index < members[j].index })
		group := make([]int, 0, len(members))
		for _, member := range members {
			group = append(group, member.imageSet)
		}
		groups = append(groups, group)
	}
	return groups, true, nil
}
