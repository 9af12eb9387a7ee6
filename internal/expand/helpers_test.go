package expand

import (
	"fmt"

	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/database/mock"
)

func axis(i int, tilt float32) []float32 {
	v := make([]float32, 16)
	v[i%16] = 1
	v[(i+1)%16] = tilt
	return v
}

// labeledFaces builds n faces of a person spread over the given number of assets.
func labeledFaces(personID int64, n, assets int, firstID int64) []database.Face {
	faces := make([]database.Face, n)
	for i := range faces {
		faces[i] = database.Face{
			ID:       firstID + int64(i),
			PhotoUID: fmt.Sprintf("asset-%d", i%assets),
			PersonID: personID,
		}
	}
	return faces
}

// seedPerson stores a person with prototypes and labeled faces that all point
// along axis 0, plus unassigned faces close to it.
func seedPerson(store *mock.MockStore, prototypes, labeled, unassigned int) *database.Person {
	p := store.AddPerson("Alice")
	for i := range prototypes {
		store.AddFace(database.Face{PhotoUID: fmt.Sprintf("proto-%d", i), Embedding: axis(0, 0),
			PersonID: p.ID, IsPrototype: true})
	}
	for i := range labeled {
		store.AddFace(database.Face{PhotoUID: fmt.Sprintf("labeled-%d", i%5),
			Embedding: axis(0, float32(i)*0.01), PersonID: p.ID})
	}
	for i := range unassigned {
		store.AddFace(database.Face{PhotoUID: fmt.Sprintf("loose-%d", i),
			Embedding: axis(0, 0.1+float32(i)*0.01)})
	}
	return p
}
